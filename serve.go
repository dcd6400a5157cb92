package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jon-Bright/dmactl/dma"
	"github.com/Jon-Bright/dmactl/hw"
	"github.com/Jon-Bright/dmactl/pixarray"
)

var configFile = flag.String("config", "/etc/dmactl.yaml", "The controller and client description")
var port = flag.Int("port", 24601, "The port that the server should listen to")
var simulate = flag.Bool("sim", false, "Drive a simulated controller instead of the hardware")
var simTick = flag.Duration("simtick", time.Millisecond, "How often the simulated controller finishes a block")
var copyTimeout = flag.Duration("copytimeout", time.Second, "How long COPY waits for the transfer to finish")

// client is one configured peripheral and the virtual channel it owns.
type client struct {
	mu     sync.Mutex // Serializes commands
	cfg    ClientConfig
	vc     *dma.VChan
	pa     *pixarray.PixArray // nil for memcpy clients
	buf    hw.Mem
	closer io.Closer
}

func (c *client) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return c.vc.Release()
}

type Server struct {
	e       *dma.Engine
	l       net.Listener
	clients map[string]*client
	names   []string
}

func newServer(e *dma.Engine, clients []*client) *Server {
	s := &Server{e: e, clients: make(map[string]*client)}
	for _, c := range clients {
		s.clients[c.cfg.Name] = c
		s.names = append(s.names, c.cfg.Name)
	}
	sort.Strings(s.names)
	return s
}

func NewServer(port int, e *dma.Engine, clients []*client) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	log.Printf("Listening on port %d", port)
	s := newServer(e, clients)
	s.l = l
	return s, nil
}

func (s *Server) client(parms string) (*client, string, error) {
	t := strings.SplitN(parms, " ", 2)
	c, ok := s.clients[t[0]]
	if !ok {
		return nil, "", fmt.Errorf("unknown client '%s'", t[0])
	}
	if len(t) == 1 {
		return c, "", nil
	}
	return c, t[1], nil
}

func parseColor(pa *pixarray.PixArray, parms string) (string, *pixarray.Pixel, error) {
	t := strings.SplitN(parms, " ", 2)
	p := pixarray.Pixel{W: -1}
	// Three-color strips run out of input before W, so the error only matters on a short count
	n, err := fmt.Sscanf(t[0], "%02X%02X%02X%02X", &p.R, &p.G, &p.B, &p.W)
	if n != pa.NumColors() {
		return "", nil, fmt.Errorf("%d tokens parsed from '%s', wanted %d (%v)", n, t[0], pa.NumColors(), err)
	}
	max := pa.MaxPerChannel()
	if p.R > max || p.G > max || p.B > max || p.W > max {
		return "", nil, fmt.Errorf("invalid color: one or more of %d, %d, %d, %d is >%d, parsed from %s", p.R, p.G, p.B, p.W, max, t[0])
	}
	if len(t) == 1 {
		return "", &p, nil
	}
	return t[1], &p, nil
}

func formatStatus(name string, vc *dma.VChan, st dma.Status) string {
	return fmt.Sprintf("%s vchan=%d state=%v bound=%t pchan=%d pending=%d issued=%d residue=%d llis=%d",
		name, vc.Index(), st.State, st.Bound, st.PChan, st.Pending, st.Issued, st.Residue, st.LiveLLIs)
}

// copyOnce runs one memory-to-memory copy from the first half of the client's scratch buffer
// into the second and waits for it.
func copyOnce(c *client, n int) (time.Duration, error) {
	half := len(c.buf.Buf()) / 2
	if n <= 0 || n > half {
		return 0, fmt.Errorf("copy length %d outside 1..%d", n, half)
	}
	b := c.buf.Buf()
	for i := 0; i < n; i++ {
		b[i] = byte(i)
	}
	src := uint32(c.buf.PhysAddr())
	done := make(chan dma.Result, 1)
	start := time.Now()
	_, err := c.vc.SubmitCopy(src+uint32(half), src, n, dma.NotifyFunc(func(r dma.Result) {
		done <- r
	}))
	if err != nil {
		return 0, err
	}
	if err := c.vc.IssuePending(); err != nil {
		c.vc.Terminate() // Ignore error
		return 0, err
	}
	select {
	case r := <-done:
		if r != dma.ResultSuccess {
			return 0, fmt.Errorf("copy: %v", r)
		}
	case <-time.After(*copyTimeout):
		c.vc.Terminate() // Ignore error
		return 0, fmt.Errorf("copy didn't finish within %v", *copyTimeout)
	}
	return time.Since(start), nil
}

// command runs one control command, writing its reply to w.
func (s *Server) command(cmd, parms string, w *bufio.Writer) error {
	if cmd == "STATUS" {
		names := s.names
		if parms != "" {
			c, _, err := s.client(parms)
			if err != nil {
				return err
			}
			names = []string{c.cfg.Name}
		}
		for _, name := range names {
			c := s.clients[name]
			st, err := c.vc.Status()
			if err != nil {
				return fmt.Errorf("error getting status of %s: %v", name, err)
			}
			w.WriteString(formatStatus(name, c.vc, st) + "\n")
		}
		if s.e != nil {
			w.WriteString(fmt.Sprintf("llis=%d/%d\n", s.e.Pool().InUse(), s.e.Pool().Cap()))
		}
		w.WriteString("OK\n")
		return w.Flush()
	}

	c, parms, err := s.client(parms)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd {
	case "PAUSE":
		err = c.vc.Pause()
	case "RESUME":
		err = c.vc.Resume()
	case "TERMINATE":
		err = c.vc.Terminate()
	case "COPY":
		if c.cfg.Kind != kindMemcpy {
			return fmt.Errorf("%s can't copy, it's a %s client", c.cfg.Name, c.cfg.Kind)
		}
		n, err := strconv.Atoi(strings.TrimSpace(parms))
		if err != nil {
			return fmt.Errorf("error parsing length: %v", err)
		}
		d, err := copyOnce(c, n)
		if err != nil {
			return err
		}
		log.Printf("Copied %d bytes on %v in %v", n, c.vc, d)
		w.WriteString(fmt.Sprintf("COPIED %d %v\n", n, d))
	case "SET_ALL":
		if c.pa == nil {
			return fmt.Errorf("%s has no pixels", c.cfg.Name)
		}
		_, p, err := parseColor(c.pa, parms)
		if err != nil {
			return fmt.Errorf("error parsing color: %v", err)
		}
		c.pa.SetAll(*p)
		if err := c.pa.Write(); err != nil {
			return err
		}
	case "COLOUR", "COLOR":
		if c.pa == nil {
			return fmt.Errorf("%s has no pixels", c.cfg.Name)
		}
		p := c.pa.GetPixel(0)
		w.WriteString(p.String() + "\n")
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		return err
	}
	w.WriteString("OK\n")
	return w.Flush()
}

func (s *Server) handleConnection(c net.Conn) {
	log.Printf("Handling connection from %v", c.RemoteAddr())
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		l, err := r.ReadString('\n')
		if err == io.EOF {
			log.Printf("EOF for connection %v", c.RemoteAddr())
			return
		}
		if err != nil {
			log.Printf("Error reading string for connection %v: %v", c.RemoteAddr(), err)
			return
		}
		l = strings.TrimSpace(l)
		log.Printf("Got line '%s'", l)
		t := strings.SplitN(l, " ", 2)
		cmd := strings.ToUpper(t[0])
		parms := ""
		if len(t) > 1 {
			parms = strings.TrimSpace(t[1])
		}
		if cmd == "QUIT" {
			return
		}
		if err := s.command(cmd, parms, w); err != nil {
			es := fmt.Sprintf("Error running %s: %v", cmd, err)
			log.Print(es)
			w.Reset(c)
			w.WriteString("ERR: " + es + "\n")
			if err := w.Flush(); err != nil {
				log.Printf("error writing error reply: %v", err)
				return
			}
		}
	}
}

func (s *Server) handleConnections() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// openClients requests a virtual channel for every configured client and sets up its buffer.
func openClients(cfg *Config, e *dma.Engine, h *hardware) ([]*client, error) {
	var clients []*client
	fail := func(err error) ([]*client, error) {
		for _, c := range clients {
			c.Close() // Ignore error
		}
		return nil, err
	}
	for _, cc := range cfg.Clients {
		vc, err := e.Request(cc.Request)
		if err != nil {
			return fail(fmt.Errorf("couldn't request channel %d for %s: %v", cc.Request, cc.Name, err))
		}
		c := &client{cfg: cc, vc: vc}
		order := pixarray.StringOrders[strings.ToUpper(cc.Order)]
		switch cc.Kind {
		case kindWS281x:
			c.buf, err = h.mem(pixarray.WS281xBufLen(cc.Pixels, cc.Colors), cc.BufPhys)
			if err == nil {
				var ws *pixarray.WS281x
				ws, err = pixarray.NewWS281x(vc, c.buf, cc.Fifo, cc.Handshake, cc.Pixels, cc.Colors, order)
				if err == nil {
					c.pa, c.closer = pixarray.NewPixArray(cc.Pixels, cc.Colors, ws), ws
				}
			}
		case kindLPD8806:
			c.buf, err = h.mem(cc.Pixels*3+(cc.Pixels+31)/32, cc.BufPhys)
			if err == nil {
				var la *pixarray.LPD8806
				la, err = pixarray.NewLPD8806(vc, c.buf, cc.Fifo, cc.Handshake, cc.Pixels, order)
				if err == nil {
					c.pa, c.closer = pixarray.NewPixArray(cc.Pixels, 3, la), la
				}
			}
		case kindMemcpy:
			c.buf, err = h.mem(cc.BufSize, cc.BufPhys)
		}
		if err != nil {
			vc.Release() // Ignore error
			return fail(fmt.Errorf("couldn't set up %s: %v", cc.Name, err))
		}
		log.Printf("Client %s (%s) on %v", cc.Name, cc.Kind, vc)
		clients = append(clients, c)
	}
	return clients, nil
}

func main() {
	flag.Parse()
	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed loading config: %v", err)
	}
	h, err := openHardware(cfg, *simulate)
	if err != nil {
		log.Fatalf("Failed opening controller: %v", err)
	}
	defer h.Close()
	e, err := dma.New(h.regs, h.lli, cfg.engineConfig())
	if err != nil {
		log.Fatalf("Failed creating engine: %v", err)
	}
	defer e.Close()
	if err := e.Serve(h.irq); err != nil {
		log.Fatalf("Failed starting interrupt handling: %v", err)
	}
	h.runSim(*simTick)
	clients, err := openClients(cfg, e, h)
	if err != nil {
		log.Fatalf("Failed setting up clients: %v", err)
	}

	s, err := NewServer(*port, e, clients)
	if err != nil {
		log.Fatalf("Failed creating server: %v", err)
	}
	s.handleConnections()
}
