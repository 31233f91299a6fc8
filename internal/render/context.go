package render

import (
	"sync"
	"sync/atomic"

	"github.com/seantiz/easel/internal/backend"
)

// Context is the mutable runtime state owned by one render worker. A Context
// serves one request at a time; its temp images may be read concurrently
// (e.g. by HTTP handlers) while a render is in flight.
type Context struct {
	// Device names the accelerator the worker's engine runs on.
	Device string

	stop atomic.Bool

	mu         sync.RWMutex
	tempImages map[string][]byte
	partial    []backend.Latents
}

// NewContext creates a Context for a worker bound to device.
func NewContext(device string) *Context {
	return &Context{
		Device:     device,
		tempImages: make(map[string][]byte),
	}
}

// Reset clears all per-request state, including a pending stop request.
func (c *Context) Reset() {
	c.stop.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.tempImages)
	c.partial = nil
}

// RequestStop asks the in-flight render to stop at its next step.
func (c *Context) RequestStop() {
	c.stop.Store(true)
}

// StopRequested reports whether a stop has been requested since the last Reset.
func (c *Context) StopRequested() bool {
	return c.stop.Load()
}

// TempImage returns the preview stored under key.
func (c *Context) TempImage(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.tempImages[key]
	return buf, ok
}

func (c *Context) setTempImage(key string, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempImages[key] = buf
}

func (c *Context) clearTempImages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.tempImages)
}

func (c *Context) setPartial(samples []backend.Latents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = samples
}

// takePartial returns the last recorded partial samples and forgets them.
func (c *Context) takePartial() []backend.Latents {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.partial
	c.partial = nil
	return p
}

// Slots holds the latest encoded preview of each output of one render. It is
// written by the render and may be read concurrently.
type Slots struct {
	mu   sync.Mutex
	bufs [][]byte
}

// NewSlots creates preview slots for n outputs.
func NewSlots(n int) *Slots {
	return &Slots{bufs: make([][]byte, n)}
}

// Get returns the preview of output i, if one has been produced.
func (s *Slots) Get(i int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.bufs) || s.bufs[i] == nil {
		return nil, false
	}
	return s.bufs[i], true
}

func (s *Slots) set(i int, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < len(s.bufs) {
		s.bufs[i] = buf
	}
}
