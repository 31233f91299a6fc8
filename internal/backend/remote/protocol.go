// Package remote runs a generation engine in a separate process and talks to
// it over a stream connection (tcp, unix socket or vsock). Client implements
// backend.Backend on the coordinator side; Server exposes any
// backend.Backend on the engine side.
package remote

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/easel/internal/backend"
)

// MaxMessageSize is the maximum allowed frame payload (64 MiB).
const MaxMessageSize = 64 << 20

// Coordinator→engine request types.
const (
	ReqGenerate     = "generate"
	ReqFilter       = "filter"
	ReqRelease      = "release"
	ReqCapabilities = "capabilities"
)

// Request is the first frame on every connection.
type Request struct {
	Type     string                `json:"type"`
	Generate *backend.GenerateSpec `json:"generate,omitempty"`
	Filter   *backend.FilterSpec   `json:"filter,omitempty"`

	// Image is the PNG-encoded filter input.
	Image []byte `json:"image,omitempty"`
}

// Engine→coordinator message types.
const (
	MsgStep   = "step"
	MsgResult = "result"
	MsgError  = "error"
)

// Message is the envelope for every engine→coordinator frame. During a
// generation the engine sends one "step" message per inference step and waits
// for an Ack before continuing. Every request ends with exactly one "result"
// or "error" message.
type Message struct {
	Type    string            `json:"type"`
	Step    int               `json:"step,omitempty"`
	Samples []backend.Latents `json:"samples,omitempty"`

	// Images are PNG-encoded.
	Images       [][]byte              `json:"images,omitempty"`
	Stopped      bool                  `json:"stopped,omitempty"`
	Capabilities *backend.Capabilities `json:"capabilities,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Ack answers a step message.
type Ack struct {
	Stop bool `json:"stop"`
}

// WriteMessage writes a length-prefixed JSON frame to w: a 4-byte big-endian
// length followed by the payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON frame from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
