package dma

import (
	"errors"
)

// Resource exhaustion. Nothing is left allocated when one of these is returned.
var (
	ErrNoLLI         = errors.New("dma: no free LLI")
	ErrTooManyTxd    = errors.New("dma: too many live transfer descriptors")
	ErrNoPhysChannel = errors.New("dma: no free physical channel")
)

// Configuration errors, returned when configuring a channel or building a transfer.
var (
	ErrBadConfig      = errors.New("dma: unsupported configuration")
	ErrSegmentTooLong = errors.New("dma: segment exceeds maximum block length")
)

// Protocol misuse and hardware trouble.
var (
	ErrInvalidState = errors.New("dma: invalid channel state")
	ErrNotPaused    = errors.New("dma: channel not paused")
	ErrBusyTimeout  = errors.New("dma: timed out waiting for channel to go idle")
	ErrDoubleFree   = errors.New("dma: LLI freed twice")
	ErrInUse        = errors.New("dma: virtual channel already requested")
	ErrClosed       = errors.New("dma: engine closed")
)
