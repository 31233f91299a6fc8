package remote

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/imaging"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrEngine wraps failures reported by the remote engine itself.
var ErrEngine = errors.New("remote engine error")

// Client is a backend.Backend that forwards every call to an engine server.
// Each call uses its own connection, so a Client is safe for concurrent use.
type Client struct {
	addr   Address
	logger *slog.Logger

	mu   sync.RWMutex
	caps backend.Capabilities
}

// Dial connects to the engine at rawAddr and fetches its capabilities.
func Dial(ctx context.Context, rawAddr string, logger *slog.Logger) (*Client, error) {
	addr, err := ParseAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	c := &Client{addr: addr, logger: logger}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh re-reads the engine's capabilities.
func (c *Client) Refresh(ctx context.Context) error {
	msg, err := c.call(ctx, Request{Type: ReqCapabilities})
	if err != nil {
		return err
	}
	if msg.Capabilities == nil {
		return fmt.Errorf("capabilities response is empty")
	}
	c.mu.Lock()
	c.caps = *msg.Capabilities
	c.mu.Unlock()
	return nil
}

// Capabilities returns the capabilities fetched by the last Refresh.
func (c *Client) Capabilities() backend.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Generate streams step messages to spec.Observer and answers each one with
// the observer's directive.
func (c *Client) Generate(ctx context.Context, spec backend.GenerateSpec) (backend.Outcome, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return backend.Outcome{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := WriteMessage(conn, Request{Type: ReqGenerate, Generate: &spec}); err != nil {
		return backend.Outcome{}, c.connErr(ctx, "send generate", err)
	}

	for {
		var msg Message
		if err := ReadMessage(conn, &msg); err != nil {
			return backend.Outcome{}, c.connErr(ctx, "read engine message", err)
		}

		switch msg.Type {
		case MsgStep:
			directive := backend.Continue
			if spec.Observer != nil {
				directive = spec.Observer.OnStep(msg.Samples, msg.Step)
			}
			if err := WriteMessage(conn, Ack{Stop: directive == backend.Stop}); err != nil {
				return backend.Outcome{}, c.connErr(ctx, "send ack", err)
			}
		case MsgResult:
			images, err := decodeImages(msg.Images)
			if err != nil {
				return backend.Outcome{}, err
			}
			return backend.Outcome{Images: images, Stopped: msg.Stopped}, nil
		case MsgError:
			return backend.Outcome{}, fmt.Errorf("%w: %s", ErrEngine, msg.Error)
		default:
			return backend.Outcome{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// ApplyFilter sends img to the engine as PNG and decodes the filtered result.
func (c *Client) ApplyFilter(ctx context.Context, filter backend.FilterSpec, img image.Image) (image.Image, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	msg, err := c.call(ctx, Request{Type: ReqFilter, Filter: &filter, Image: data})
	if err != nil {
		return nil, err
	}
	if len(msg.Images) != 1 {
		return nil, fmt.Errorf("filter returned %d images, want 1", len(msg.Images))
	}
	return imaging.DecodePNG(msg.Images[0])
}

// Release asks the engine to drop its caches.
func (c *Client) Release(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: ReqRelease})
	return err
}

// call sends a single request and reads its one terminal message.
func (c *Client) call(ctx context.Context, req Request) (Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Message{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return Message{}, c.connErr(ctx, "send "+req.Type, err)
	}
	var msg Message
	if err := ReadMessage(conn, &msg); err != nil {
		return Message{}, c.connErr(ctx, "read "+req.Type+" response", err)
	}

	switch msg.Type {
	case MsgResult:
		return msg, nil
	case MsgError:
		return Message{}, fmt.Errorf("%w: %s", ErrEngine, msg.Error)
	default:
		return Message{}, fmt.Errorf("unexpected message type %q for %s", msg.Type, req.Type)
	}
}

// dial connects with exponential backoff.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial engine: %w", err)
		}

		conn, err := c.addr.Dial(ctx)
		if err == nil {
			if deadline, ok := ctx.Deadline(); ok {
				if err := conn.SetDeadline(deadline); err != nil {
					conn.Close()
					return nil, fmt.Errorf("set deadline: %w", err)
				}
			}
			return conn, nil
		}

		lastErr = err
		c.logger.Debug("dial engine failed", "addr", c.addr.String(), "attempt", attempt+1, "error", err)
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial engine: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial engine %s after %d attempts: %w", c.addr, dialMaxRetries, lastErr)
}

// connErr prefers the context error when the connection was torn down by
// cancellation.
func (c *Client) connErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decodeImages(encoded [][]byte) ([]image.Image, error) {
	images := make([]image.Image, len(encoded))
	for i, data := range encoded {
		img, err := imaging.DecodePNG(data)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		images[i] = img
	}
	return images, nil
}
