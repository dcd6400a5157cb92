package dma

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Jon-Bright/dmactl/hw"
)

type recorder struct {
	mu  sync.Mutex
	got []Result
}

func (r *recorder) Notify(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *recorder) results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.got...)
}

// step finishes the block running on ch and services the interrupt.
func step(t *testing.T, e *Engine, sim *hw.Sim, ch int) {
	t.Helper()
	if !sim.Complete(ch) {
		t.Fatalf("Channel %d wasn't running", ch)
	}
	e.HandleInterrupt()
}

func status(t *testing.T, vc *VChan) Status {
	t.Helper()
	st, err := vc.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return st
}

func issue(t *testing.T, vc *VChan) {
	t.Helper()
	if err := vc.IssuePending(); err != nil {
		t.Fatalf("IssuePending failed: %v", err)
	}
}

var testSegs = []Segment{{0x1000, 16}, {0x2000, 16}, {0x3000, 16}, {0x4000, 16}}

func TestNewValidates(t *testing.T) {
	tests := []Config{
		{Channels: 0, Requests: 4, LLIs: 4},
		{Channels: 9, Requests: 4, LLIs: 4},
		{Channels: 2, Requests: 4, HighPerf: 3, LLIs: 4},
		{Channels: 4, Requests: 1, HighPerf: 2, LLIs: 4},
		{Channels: 4, Requests: 0, LLIs: 4},
		{Channels: 4, Requests: 4, LLIs: 0},
	}
	mem, err := hw.AllocAnon(4*LLISize, 0)
	if err != nil {
		t.Fatalf("Failed AllocAnon: %v", err)
	}
	defer mem.Close()
	for _, cfg := range tests {
		if _, err := New(hw.NewSim(8), mem, cfg); !errors.Is(err, ErrBadConfig) {
			t.Errorf("New(%+v), got: %v, want: %v", cfg, err, ErrBadConfig)
		}
	}
}

func TestRequest(t *testing.T) {
	e, _ := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	if _, err := e.Request(4); !errors.Is(err, ErrInUse) {
		t.Errorf("Second request, got: %v, want: %v", err, ErrInUse)
	}
	if _, err := e.Request(16); !errors.Is(err, ErrBadConfig) {
		t.Errorf("Request out of range, got: %v, want: %v", err, ErrBadConfig)
	}
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, nil); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	if err := vc.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if e.pool.InUse() != 0 {
		t.Errorf("Release left %d LLIs allocated", e.pool.InUse())
	}
	if e.BoundTo(e.Channels()[2]) != nil {
		t.Errorf("Release left channel 2 bound")
	}
	requestTest(t, e, 4)
}

func TestCopyCompletes(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	const src, dst, n = 0x20000000, 0x30000000, 2000000
	if _, err := vc.SubmitCopy(dst, src, n, &r); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	if st := status(t, vc); st.Bound || st.Pending != 1 {
		t.Errorf("Wrong status before issue, got: %+v", st)
	}
	issue(t, vc)
	st := status(t, vc)
	if !st.Bound || st.PChan != 2 || st.State != StateOngoing || st.Residue != n {
		t.Errorf("Wrong status after issue, got: %+v", st)
	}

	step(t, e, sim, 2)
	if got := r.results(); len(got) != 0 {
		t.Errorf("Callback after first block, got: %v", got)
	}
	if st := status(t, vc); st.Residue != n-MaxBlockLen || st.LiveLLIs != 1 {
		t.Errorf("Wrong status after first block, got: %+v", st)
	}
	if e.pool.InUse() != 1 {
		t.Errorf("Consumed LLI not released, InUse: %d", e.pool.InUse())
	}

	step(t, e, sim, 2)
	if got, want := r.results(), []Result{ResultSuccess}; !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong callbacks, got: %v, want: %v", got, want)
	}
	st = status(t, vc)
	want := Status{State: StateCompleted, Bound: true, PChan: 2, RawCtl: st.RawCtl}
	if st != want {
		t.Errorf("Wrong status after copy, got: %+v, want: %+v", st, want)
	}
	if e.pool.InUse() != 0 {
		t.Errorf("Finished copy left %d LLIs allocated", e.pool.InUse())
	}

	starts := sim.Starts(2)
	if len(starts) != 2 {
		t.Fatalf("Wrong number of starts, got: %d, want: 2", len(starts))
	}
	for i, p := range starts {
		off := uint32(i * MaxBlockLen)
		if p.SAR != src+off || p.DAR != dst+off || p.LLP != 0 || p.CTLLo&hw.CtlIntEn == 0 {
			t.Errorf("Start %d: wrong program, got: %+v", i, p)
		}
	}
	if p := starts[1]; p.CTLHi != n-MaxBlockLen {
		t.Errorf("Wrong block size for last block, got: %d, want: %d", p.CTLHi, n-MaxBlockLen)
	}
	if sim.Enabled(2) {
		t.Errorf("Channel still enabled after copy")
	}
}

func TestQueueRunsInOrder(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	for _, src := range []uint32{0x1000, 0x2000} {
		if _, err := vc.SubmitCopy(0x8000, src, 64, &r); err != nil {
			t.Fatalf("SubmitCopy failed: %v", err)
		}
		issue(t, vc)
	}
	if n := len(sim.Starts(2)); n != 1 {
		t.Errorf("Second copy started early, got %d starts", n)
	}
	step(t, e, sim, 2)
	starts := sim.Starts(2)
	if len(starts) != 2 || starts[1].SAR != 0x2000 {
		t.Errorf("Second copy not started after first, got: %+v", starts)
	}
	step(t, e, sim, 2)
	if got := r.results(); len(got) != 2 {
		t.Errorf("Wrong number of callbacks, got: %v", got)
	}
	if st := status(t, vc); st.Issued != 0 || st.State != StateCompleted {
		t.Errorf("Wrong status after queue drained, got: %+v", st)
	}
}

func TestTerminate(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	if _, err := vc.SubmitScatterGather(testSegs, MemToDev, &r); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, vc)
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, &r); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	step(t, e, sim, 2)

	if err := vc.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	want := Status{State: StateTerminated, PChan: -1}
	if st := status(t, vc); st != want {
		t.Errorf("Wrong status after terminate, got: %+v, want: %+v", st, want)
	}
	if e.pool.InUse() != 0 {
		t.Errorf("Terminate left %d LLIs allocated", e.pool.InUse())
	}
	if e.BoundTo(e.Channels()[2]) != nil {
		t.Errorf("Terminate left channel 2 bound")
	}
	if sim.Enabled(2) {
		t.Errorf("Channel still enabled after terminate")
	}
	if got := r.results(); len(got) != 0 {
		t.Errorf("Callbacks after terminate, got: %v", got)
	}
	if err := vc.Terminate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Double terminate, got: %v, want: %v", err, ErrInvalidState)
	}

	// Usable again
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, &r); err != nil {
		t.Fatalf("SubmitCopy after terminate failed: %v", err)
	}
	issue(t, vc)
	step(t, e, sim, 2)
	if got := r.results(); len(got) != 1 {
		t.Errorf("Wrong callbacks after reuse, got: %v", got)
	}
	if err := vc.Terminate(); err != nil {
		t.Errorf("Terminate after reuse failed: %v", err)
	}
}

func TestTerminatePaused(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	if _, err := vc.SubmitScatterGather(testSegs, MemToDev, nil); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, vc)
	if err := vc.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	step(t, e, sim, 2)
	if st := status(t, vc); st.State != StatePausedNow {
		t.Fatalf("Not paused, got: %v", st.State)
	}
	if err := vc.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if st := status(t, vc); st.LiveLLIs != 0 || st.Bound || e.pool.InUse() != 0 {
		t.Errorf("Terminate from pause left state behind, got: %+v, pool: %d", st, e.pool.InUse())
	}
}

func TestTerminateBusyTimeout(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, &r); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	sim.Stick(2, true)
	if err := vc.Terminate(); !errors.Is(err, ErrBusyTimeout) {
		t.Fatalf("Terminate on stuck channel, got: %v, want: %v", err, ErrBusyTimeout)
	}
	st := status(t, vc)
	if st.State != StateTerminated || !st.Bound || st.Issued != 1 {
		t.Errorf("Wrong status after failed terminate, got: %+v", st)
	}

	// A completion racing the terminate mustn't revive the channel
	sim.Stick(2, false)
	sim.Write32(hw.RegRawTfr, 1<<2)
	e.HandleInterrupt()
	if got := r.results(); len(got) != 0 {
		t.Errorf("Callback after terminate, got: %v", got)
	}
	if n := len(sim.Starts(2)); n != 1 {
		t.Errorf("Channel restarted after terminate, got %d starts", n)
	}

	if err := vc.Terminate(); err != nil {
		t.Fatalf("Second terminate failed: %v", err)
	}
	if st := status(t, vc); st.Bound || st.Issued != 0 || e.pool.InUse() != 0 {
		t.Errorf("Wrong status after second terminate, got: %+v", st)
	}
}

func TestPauseResumeRemaining(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	if _, err := vc.SubmitScatterGather(testSegs, MemToDev, &r); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, vc)
	if err := vc.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if st := status(t, vc); st.State != StatePauseRequested {
		t.Errorf("Wrong state after pause, got: %v", st.State)
	}
	step(t, e, sim, 2)
	st := status(t, vc)
	if st.State != StatePausedNow || st.LiveLLIs != 3 || st.Residue != 48 {
		t.Errorf("Wrong status once paused, got: %+v", st)
	}
	if vc.pc.st.remaining != 3 {
		t.Errorf("Wrong remaining LLIs, got: %d, want: 3", vc.pc.st.remaining)
	}
	if sim.Enabled(2) || len(sim.Starts(2)) != 1 {
		t.Errorf("Channel kept going while paused")
	}

	if err := vc.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st := status(t, vc); st.State != StateResumedNow {
		t.Errorf("Wrong state after resume, got: %v", st.State)
	}
	for i := 0; i < 3; i++ {
		step(t, e, sim, 2)
	}
	starts := sim.Starts(2)
	if len(starts) != len(testSegs) {
		t.Fatalf("Wrong number of blocks run, got: %d, want: %d", len(starts), len(testSegs))
	}
	for i, p := range starts {
		if p.SAR != testSegs[i].Addr {
			t.Errorf("Block %d: got source %08X, want: %08X", i, p.SAR, testSegs[i].Addr)
		}
	}
	if got, want := r.results(), []Result{ResultSuccess}; !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong callbacks, got: %v, want: %v", got, want)
	}
	if st := status(t, vc); st.State != StateCompleted {
		t.Errorf("Wrong final state, got: %v", st.State)
	}
}

func TestPauseCancelledByResume(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	if _, err := vc.SubmitScatterGather(testSegs, MemToDev, nil); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, vc)
	if err := vc.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := vc.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st := status(t, vc); st.State != StateOngoing {
		t.Errorf("Wrong state, got: %v, want: %v", st.State, StateOngoing)
	}
	step(t, e, sim, 2)
	starts := sim.Starts(2)
	if len(starts) != 2 || starts[1].SAR != testSegs[1].Addr {
		t.Errorf("Transfer didn't carry on, got: %+v", starts)
	}
}

func TestPauseOnLastBlock(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	for _, src := range []uint32{0x1000, 0x2000} {
		if _, err := vc.SubmitCopy(0x8000, src, 64, &r); err != nil {
			t.Fatalf("SubmitCopy failed: %v", err)
		}
	}
	issue(t, vc)
	if err := vc.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	step(t, e, sim, 2)
	if got := r.results(); len(got) != 1 {
		t.Errorf("Finished copy not reported, got: %v", got)
	}
	if st := status(t, vc); st.State != StatePausedNow || st.Issued != 1 {
		t.Errorf("Wrong status, got: %+v", st)
	}
	if n := len(sim.Starts(2)); n != 1 {
		t.Errorf("Queued copy started while paused")
	}
	if err := vc.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	starts := sim.Starts(2)
	if len(starts) != 2 || starts[1].SAR != 0x2000 {
		t.Errorf("Queued copy not started by resume, got: %+v", starts)
	}
	step(t, e, sim, 2)
	if got := r.results(); len(got) != 2 {
		t.Errorf("Wrong callbacks, got: %v", got)
	}
}

func TestPauseResumeMisuse(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	if err := vc.Pause(); err != nil {
		t.Errorf("Pause on unbound channel, got: %v, want: nil", err)
	}
	if err := vc.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume on unbound channel, got: %v, want: %v", err, ErrInvalidState)
	}
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, nil); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	if err := vc.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume without pause, got: %v, want: %v", err, ErrNotPaused)
	}
	step(t, e, sim, 2)
	if err := vc.Pause(); err != nil {
		t.Errorf("Pause on idle channel, got: %v, want: nil", err)
	}
	if st := status(t, vc); st.State != StateCompleted {
		t.Errorf("Pause on idle channel changed state to %v", st.State)
	}
	if err := vc.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume on idle channel, got: %v, want: %v", err, ErrNotPaused)
	}
}

func TestAutoReload(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 0)
	cfg := DefaultSlaveConfig
	cfg.DstAddr = 0x7e20c018
	cfg.Handshake = 0x2B
	if err := vc.Configure(cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	var r recorder
	txd, err := vc.SubmitCyclic(0x40000, 4096, 1024, MemToDev, false, &r)
	if err != nil {
		t.Fatalf("SubmitCyclic failed: %v", err)
	}
	issue(t, vc)
	starts := sim.Starts(0)
	if len(starts) != 1 {
		t.Fatalf("Wrong number of starts, got: %d, want: 1", len(starts))
	}
	p := starts[0]
	if p.LLP != e.pool.PhysAddr(txd.llis[0]) {
		t.Errorf("Wrong LLP, got: %08X, want: %08X", p.LLP, e.pool.PhysAddr(txd.llis[0]))
	}
	if p.CTLLo&hw.CtlIntEn != 0 || p.CTLLo&(hw.CtlLLPSrcEn|hw.CtlLLPDstEn) == 0 {
		t.Errorf("Wrong CTL_LO for auto-reload, got: %08X", p.CTLLo)
	}
	if want := uint32(hw.CfgReloadSrc | hw.CfgReloadDst | hw.CfgChPrior(7)); p.CFGLo != want {
		t.Errorf("Wrong CFG_LO, got: %08X, want: %08X", p.CFGLo, want)
	}
	wantHi := uint32(hw.CfgFifoMode | hw.CfgSrcPer(0xB) | hw.CfgSrcPerExt(2) | hw.CfgDstPer(0xB) | hw.CfgDstPerExt(2))
	if p.CFGHi != wantHi {
		t.Errorf("Wrong CFG_HI, got: %08X, want: %08X", p.CFGHi, wantHi)
	}

	// Blocks finish without interrupts and the channel keeps running
	for i := 0; i < 6; i++ {
		if !sim.Complete(0) {
			t.Fatalf("Channel stopped after %d blocks", i)
		}
		e.HandleInterrupt()
	}
	if got := r.results(); len(got) != 0 {
		t.Errorf("Callbacks from auto-reload ring, got: %v", got)
	}

	if err := vc.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if st := status(t, vc); st.State != StatePausedNow || st.LiveLLIs != 4 {
		t.Errorf("Wrong status after pause, got: %+v", st)
	}
	if sim.Read32(hw.ChanBase(0)+hw.RegCFGLo)&hw.CfgChSusp == 0 {
		t.Errorf("Suspend bit not set")
	}
	if sim.Complete(0) {
		t.Errorf("Suspended channel still transferring")
	}

	if err := vc.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if sim.Read32(hw.ChanBase(0)+hw.RegCFGLo)&hw.CfgChSusp != 0 {
		t.Errorf("Suspend bit still set")
	}
	if !sim.Enabled(0) || !sim.Complete(0) {
		t.Errorf("Channel not running after resume")
	}
	if n := len(sim.Starts(0)); n != 1 {
		t.Errorf("Ring reprogrammed on resume, got %d starts", n)
	}

	if err := vc.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if sim.Enabled(0) || e.pool.InUse() != 0 {
		t.Errorf("Terminate left the ring running")
	}
}

func TestCyclicPerPeriod(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	if _, err := vc.SubmitCyclic(0x40000, 3*64, 64, MemToDev, true, &r); err != nil {
		t.Fatalf("SubmitCyclic failed: %v", err)
	}
	issue(t, vc)
	for i := 0; i < 4; i++ {
		step(t, e, sim, 2)
	}
	if got := r.results(); len(got) != 4 {
		t.Errorf("Wrong number of period callbacks, got: %v", got)
	}
	var got []uint32
	for _, p := range sim.Starts(2) {
		got = append(got, p.SAR)
	}
	want := []uint32{0x40000, 0x40040, 0x40080, 0x40000, 0x40040}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong period order, got: %08X, want: %08X", got, want)
	}
	if st := status(t, vc); st.Issued != 1 || st.LiveLLIs != 3 || e.pool.InUse() != 3 {
		t.Errorf("Cyclic transfer lost LLIs, got: %+v", st)
	}
	if err := vc.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if e.pool.InUse() != 0 {
		t.Errorf("Terminate left %d LLIs allocated", e.pool.InUse())
	}
}

func TestErrorInterrupt(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var r recorder
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, &r); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	for i := 0; i < 2; i++ {
		sim.Fail(2)
		e.HandleInterrupt()
	}
	if got, want := r.results(), []Result{ResultWriteFailed}; !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong callbacks, got: %v, want: %v", got, want)
	}
	if sim.Enabled(2) {
		t.Errorf("Channel still enabled after error")
	}
	if sim.Read32(hw.RegStatusErr) != 0 {
		t.Errorf("Error interrupt not cleared")
	}
	if st := status(t, vc); st.Issued != 1 || !st.Bound {
		t.Errorf("Failed descriptor not left for terminate, got: %+v", st)
	}
	if err := vc.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if e.pool.InUse() != 0 {
		t.Errorf("Terminate left %d LLIs allocated", e.pool.InUse())
	}
}

func TestErrorIsolated(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	a := requestTest(t, e, 4)
	b := requestTest(t, e, 5)
	var ra, rb recorder
	if _, err := a.SubmitCopy(0x1000, 0x2000, 64, &ra); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	if _, err := b.SubmitScatterGather(testSegs[:2], MemToDev, &rb); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, a)
	issue(t, b)
	sim.Fail(2)
	e.HandleInterrupt()
	step(t, e, sim, 3)
	step(t, e, sim, 3)
	if got, want := rb.results(), []Result{ResultSuccess}; !reflect.DeepEqual(got, want) {
		t.Errorf("Other channel disturbed, got: %v, want: %v", got, want)
	}
	if st := status(t, b); st.State != StateCompleted || st.PChan != 3 {
		t.Errorf("Wrong status on other channel, got: %+v", st)
	}
}

func TestStaleInterrupt(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	sim.Write32(hw.RegRawTfr, 1<<5)
	sim.Write32(hw.RegRawErr, 1<<6)
	e.HandleInterrupt()
	if sim.Read32(hw.RegRawTfr) != 0 || sim.Read32(hw.RegRawErr) != 0 {
		t.Errorf("Stale interrupts not cleared")
	}
}

func TestCompletionAfterTerminateNotInherited(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	a := requestTest(t, e, 4)
	b := requestTest(t, e, 5)
	if _, err := a.SubmitCopy(0x1000, 0x2000, 64, nil); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, a)
	// a's block finishes, but a is gone before the interrupt is serviced
	if !sim.Complete(2) {
		t.Fatalf("Channel 2 wasn't running")
	}
	if err := a.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if sim.Read32(hw.RegRawTfr) != 0 {
		t.Errorf("Terminate left an interrupt pending, raw: %08X", sim.Read32(hw.RegRawTfr))
	}

	var rb recorder
	if _, err := b.SubmitScatterGather(testSegs, MemToDev, &rb); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, b)
	if st := status(t, b); st.PChan != 2 || st.LiveLLIs != 4 {
		t.Fatalf("Wrong status after issue, got: %+v", st)
	}
	e.HandleInterrupt()
	if st := status(t, b); st.LiveLLIs != 4 || st.Residue != 64 {
		t.Errorf("Old interrupt consumed a block, got: %+v", st)
	}
	for i := 0; i < 4; i++ {
		step(t, e, sim, 2)
	}
	if got, want := rb.results(), []Result{ResultSuccess}; !reflect.DeepEqual(got, want) {
		t.Errorf("Wrong callbacks, got: %v, want: %v", got, want)
	}
}

func TestCompletionReadBeforeRebind(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	a := requestTest(t, e, 4)
	b := requestTest(t, e, 5)
	if _, err := a.SubmitCopy(0x1000, 0x2000, 64, nil); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, a)
	sim.Complete(2)
	// The dispatcher has read the status while a still owned the channel
	gens := e.generations()
	if err := a.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if _, err := b.SubmitScatterGather(testSegs, MemToDev, nil); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, b)
	pc := e.Channels()[2]
	e.handleComplete(pc, gens[2])
	if st := status(t, b); st.LiveLLIs != 4 {
		t.Errorf("Completion handed to the new owner, got: %+v", st)
	}

	// b's own completion, seen under the old binding, is kept for the next pass
	sim.Complete(2)
	e.handleComplete(pc, gens[2])
	if sim.Read32(hw.RegRawTfr)&(1<<2) == 0 {
		t.Errorf("New owner's interrupt cleared under the old binding")
	}
	e.HandleInterrupt()
	if st := status(t, b); st.LiveLLIs != 3 || st.Residue != 48 {
		t.Errorf("Wrong status after first block, got: %+v", st)
	}
}

func TestConcurrentBind(t *testing.T) {
	e, _ := newTestEngine(t, testConfig)
	vcs := make([]*VChan, testConfig.Requests)
	for i := range vcs {
		vcs[i] = requestTest(t, e, i)
	}
	for round := 0; round < 20; round++ {
		for _, vc := range vcs {
			if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, nil); err != nil {
				t.Fatalf("SubmitCopy failed: %v", err)
			}
		}
		errs := make([]error, len(vcs))
		var wg sync.WaitGroup
		for i, vc := range vcs {
			wg.Add(1)
			go func(i int, vc *VChan) {
				defer wg.Done()
				errs[i] = vc.IssuePending()
			}(i, vc)
		}
		wg.Wait()

		owner := map[int]int{}
		for i, vc := range vcs {
			st := status(t, vc)
			if !st.Bound {
				if !errors.Is(errs[i], ErrNoPhysChannel) {
					t.Errorf("Round %d: %v unbound with error %v", round, vc, errs[i])
				}
				if i < testConfig.HighPerf {
					t.Errorf("Round %d: reserved %v didn't get its channel", round, vc)
				}
				continue
			}
			if prev, ok := owner[st.PChan]; ok {
				t.Errorf("Round %d: channel %d bound to vchan%d and vchan%d", round, st.PChan, prev, i)
			}
			owner[st.PChan] = i
			if i < testConfig.HighPerf && st.PChan != i {
				t.Errorf("Round %d: %v got channel %d, want: %d", round, vc, st.PChan, i)
			}
			if i >= testConfig.HighPerf && st.PChan < testConfig.HighPerf {
				t.Errorf("Round %d: %v got reserved channel %d", round, vc, st.PChan)
			}
			if got := e.BoundTo(e.Channels()[st.PChan]); got != vc {
				t.Errorf("Round %d: channel %d points at %v, want: %v", round, st.PChan, got, vc)
			}
		}
		if len(owner) != testConfig.Channels {
			t.Errorf("Round %d: %d channels bound, want: %d", round, len(owner), testConfig.Channels)
		}
		for _, vc := range vcs {
			if err := vc.Terminate(); err != nil {
				t.Fatalf("Terminate failed: %v", err)
			}
		}
	}
}

func TestServe(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	if err := e.Serve(sim); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if err := e.Serve(sim); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second Serve, got: %v, want: %v", err, ErrInvalidState)
	}
	vc := requestTest(t, e, 4)
	done := make(chan Result, 1)
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, NotifyFunc(func(r Result) { done <- r })); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	sim.Complete(2)
	select {
	case r := <-done:
		if r != ResultSuccess {
			t.Errorf("Wrong result, got: %v, want: %v", r, ResultSuccess)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Completion never delivered")
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := e.Request(5); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after close, got: %v, want: %v", err, ErrClosed)
	}
}

func TestSynchronize(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	started := make(chan struct{})
	release := make(chan struct{})
	cb := NotifyFunc(func(Result) {
		close(started)
		<-release
	})
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, cb); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	sim.Complete(2)
	go e.HandleInterrupt()
	<-started

	synced := make(chan struct{})
	go func() {
		vc.Synchronize()
		close(synced)
	}()
	select {
	case <-synced:
		t.Errorf("Synchronize returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatalf("Synchronize never returned")
	}
}

func TestCallbackResubmits(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	var again NotifyFunc
	n := 0
	again = func(Result) {
		n++
		if n == 3 {
			return
		}
		if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, again); err != nil {
			t.Errorf("SubmitCopy from callback failed: %v", err)
		}
		if err := vc.IssuePending(); err != nil {
			t.Errorf("IssuePending from callback failed: %v", err)
		}
	}
	if _, err := vc.SubmitCopy(0x1000, 0x2000, 64, again); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	issue(t, vc)
	for i := 0; i < 3; i++ {
		step(t, e, sim, 2)
	}
	if n != 3 {
		t.Errorf("Wrong number of callbacks, got: %d, want: 3", n)
	}
}

func TestInterruptBlocksProgrammedDirectly(t *testing.T) {
	e, sim := newTestEngine(t, testConfig)
	vc := requestTest(t, e, 4)
	if _, err := vc.SubmitScatterGather(testSegs[:2], MemToDev, nil); err != nil {
		t.Fatalf("SubmitScatterGather failed: %v", err)
	}
	issue(t, vc)
	step(t, e, sim, 2)
	starts := sim.Starts(2)
	if len(starts) != 2 {
		t.Fatalf("Wrong number of starts, got: %d, want: 2", len(starts))
	}
	for i, s := range starts {
		if s.LLP != 0 || s.CTLLo&hw.CtlIntEn == 0 || s.SAR != testSegs[i].Addr {
			t.Errorf("Block %d not a single interrupting block, got: %+v", i, s)
		}
	}
}
