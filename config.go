package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Jon-Bright/dmactl/dma"
	"github.com/Jon-Bright/dmactl/pixarray"
	"gopkg.in/retry.v1"
	"gopkg.in/yaml.v3"
)

// Config is the controller description read from -config.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Channels   int              `yaml:"channels"`
	Requests   int              `yaml:"requests"`
	// HighPerf defaults to 2; an explicit 0 reserves nothing.
	HighPerf *int           `yaml:"high_perf"`
	LLI      LLIConfig      `yaml:"lli"`
	BusyPoll BusyPollConfig `yaml:"busy_poll"`
	Clients  []ClientConfig `yaml:"clients"`
}

type ControllerConfig struct {
	// UIO is a UIO device whose first map is the register block, e.g. /dev/uio0. If it's
	// empty, the registers are mapped from /dev/mem at PhysBase and interrupts are polled.
	UIO      string        `yaml:"uio"`
	PhysBase uint64        `yaml:"phys_base"`
	Poll     time.Duration `yaml:"irq_poll"`
}

type LLIConfig struct {
	Count    int    `yaml:"count"`
	PhysBase uint64 `yaml:"phys_base"`
}

type BusyPollConfig struct {
	Count   int           `yaml:"count"`
	Total   time.Duration `yaml:"total"`
	Initial time.Duration `yaml:"initial"`
}

// ClientConfig is one peripheral slot.
type ClientConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"` // ws281x, lpd8806 or memcpy
	Request   int    `yaml:"request"`
	Fifo      uint32 `yaml:"fifo"` // Bus address of the peripheral's data register
	Handshake int    `yaml:"handshake"`
	Pixels    int    `yaml:"pixels"`
	Colors    int    `yaml:"colors"`
	Order     string `yaml:"order"`
	// BufPhys is where the client's DMA buffer lives; BufSize sizes memcpy scratch space.
	BufPhys uint64 `yaml:"buf_phys"`
	BufSize int    `yaml:"buf_size"`
}

const (
	kindWS281x  = "ws281x"
	kindLPD8806 = "lpd8806"
	kindMemcpy  = "memcpy"
)

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config: %v", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("couldn't parse config: %v", err)
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Channels == 0 {
		c.Channels = dma.DefaultConfig.Channels
	}
	if c.Requests == 0 {
		c.Requests = dma.DefaultConfig.Requests
	}
	if c.HighPerf == nil {
		hp := dma.DefaultConfig.HighPerf
		c.HighPerf = &hp
	}
	if c.LLI.Count == 0 {
		c.LLI.Count = dma.DefaultConfig.LLIs
	}
	if c.Controller.Poll == 0 {
		c.Controller.Poll = time.Millisecond
	}
	for i := range c.Clients {
		cl := &c.Clients[i]
		cl.Kind = strings.ToLower(cl.Kind)
		if cl.Colors == 0 {
			cl.Colors = 3
		}
		if cl.Order == "" {
			cl.Order = "GRB"
		}
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	reqs := map[int]string{}
	for _, cl := range c.Clients {
		if cl.Name == "" {
			return fmt.Errorf("client for request %d has no name", cl.Request)
		}
		if seen[cl.Name] {
			return fmt.Errorf("client %s defined twice", cl.Name)
		}
		seen[cl.Name] = true
		if other, ok := reqs[cl.Request]; ok {
			return fmt.Errorf("clients %s and %s share request %d", other, cl.Name, cl.Request)
		}
		reqs[cl.Request] = cl.Name
		switch cl.Kind {
		case kindWS281x, kindLPD8806:
			if cl.Pixels <= 0 {
				return fmt.Errorf("client %s: %d pixels", cl.Name, cl.Pixels)
			}
			if _, ok := pixarray.StringOrders[strings.ToUpper(cl.Order)]; !ok {
				return fmt.Errorf("client %s: unknown pixel order %s", cl.Name, cl.Order)
			}
		case kindMemcpy:
			if cl.BufSize < 2 {
				return fmt.Errorf("client %s: %d byte scratch buffer", cl.Name, cl.BufSize)
			}
		default:
			return fmt.Errorf("client %s: unknown kind %q", cl.Name, cl.Kind)
		}
	}
	return nil
}

func (c *Config) engineConfig() dma.Config {
	ec := dma.Config{
		Channels: c.Channels,
		Requests: c.Requests,
		HighPerf: *c.HighPerf,
		LLIs:     c.LLI.Count,
	}
	if c.BusyPoll.Count > 0 || c.BusyPoll.Total > 0 {
		count, total, initial := c.BusyPoll.Count, c.BusyPoll.Total, c.BusyPoll.Initial
		if count == 0 {
			count = 1000
		}
		if total == 0 {
			total = 100 * time.Millisecond
		}
		if initial == 0 {
			initial = 10 * time.Microsecond
		}
		ec.Poll = retry.LimitCount(count, retry.LimitTime(total,
			retry.Exponential{
				Initial: initial,
				Factor:  2,
			},
		))
	}
	return ec
}
