package dma

// Result is what a completion callback is told about its transfer.
type Result int

const (
	ResultSuccess Result = iota
	ResultWriteFailed
)

func (r Result) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "write_failed"
}

// Notifier is told when a transfer (or, for cyclic transfers, a period) finishes.
type Notifier interface {
	Notify(r Result)
}

// NotifyFunc adapts a function to a Notifier.
type NotifyFunc func(r Result)

func (f NotifyFunc) Notify(r Result) {
	f(r)
}

// Txd is one client request: a chain of LLIs in hardware order.
type Txd struct {
	vc         *VChan
	llis       []int // Pool slots; entries before cur are already freed unless cyclic
	cur        int   // Index into llis of the block in flight (or next to run)
	dir        Direction
	cyclic     bool
	autoReload bool
	active     bool
	failed     bool
	cb         Notifier
}

// NumLLIs returns the number of LLIs the transfer was built with.
func (t *Txd) NumLLIs() int {
	return len(t.llis)
}

// Cyclic reports whether the LLI chain is a closed ring.
func (t *Txd) Cyclic() bool {
	return t.cyclic
}

// AutoReload reports whether the hardware runs the ring without interrupts.
func (t *Txd) AutoReload() bool {
	return t.autoReload
}

// left returns how many LLIs haven't completed yet.
func (t *Txd) left() int {
	if t.cyclic {
		return len(t.llis)
	}
	return len(t.llis) - t.cur
}

// residue returns the bytes not yet transferred. For cyclic transfers that's the distance to
// the end of the buffer.
func (t *Txd) residue(p *LLIPool) int {
	n := 0
	for _, slot := range t.llis[t.cur:] {
		n += int(p.Node(slot).Len)
	}
	return n
}

// release frees every LLI the descriptor still owns.
func (t *Txd) release(p *LLIPool) {
	from := t.cur
	if t.cyclic {
		from = 0
	}
	for _, slot := range t.llis[from:] {
		p.Free(slot) // Ignore error, already reported
	}
	t.llis = t.llis[:0]
	t.cur = 0
	t.active = false
}

func (t *Txd) notify(r Result) {
	if t.cb != nil {
		t.cb.Notify(r)
	}
}
