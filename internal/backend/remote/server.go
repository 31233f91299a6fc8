package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/imaging"
)

// Server exposes a backend.Backend to remote clients. Every connection
// carries one request.
type Server struct {
	backend backend.Backend
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates a server for b.
func NewServer(b backend.Backend, logger *slog.Logger) *Server {
	return &Server{backend: b, logger: logger}
}

// Serve accepts connections until l is closed, then waits for in-flight
// requests to finish. Closing l is the normal way to stop it.
func (s *Server) Serve(l net.Listener) error {
	defer s.wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() { s.handleConnection(conn) })
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		s.logger.Warn("read request", "error", err)
		s.sendError(conn, fmt.Errorf("read request: %w", err))
		return
	}

	// The engine keeps running only while the coordinator is connected.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		msg Message
		err error
	)
	switch req.Type {
	case ReqGenerate:
		msg, err = s.generate(ctx, conn, req)
	case ReqFilter:
		msg, err = s.filter(ctx, req)
	case ReqRelease:
		err = s.backend.Release(ctx)
		msg = Message{Type: MsgResult}
	case ReqCapabilities:
		caps := s.backend.Capabilities()
		msg = Message{Type: MsgResult, Capabilities: &caps}
	default:
		err = fmt.Errorf("unknown request type: %q", req.Type)
	}

	if errors.Is(err, errConnLost) {
		s.logger.Warn("coordinator disconnected", "request", req.Type)
		return
	}
	if err != nil {
		s.logger.Error("request failed", "request", req.Type, "error", err)
		s.sendError(conn, err)
		return
	}
	if err := WriteMessage(conn, msg); err != nil {
		s.logger.Warn("write result", "request", req.Type, "error", err)
	}
}

var errConnLost = errors.New("connection lost")

func (s *Server) generate(ctx context.Context, conn net.Conn, req Request) (Message, error) {
	if req.Generate == nil {
		return Message{}, fmt.Errorf("generate request has no spec")
	}
	spec := *req.Generate

	var connErr error
	spec.Observer = backend.StepFunc(func(samples []backend.Latents, step int) backend.Directive {
		if err := WriteMessage(conn, Message{Type: MsgStep, Step: step, Samples: samples}); err != nil {
			connErr = err
			return backend.Stop
		}
		var ack Ack
		if err := ReadMessage(conn, &ack); err != nil {
			connErr = err
			return backend.Stop
		}
		if ack.Stop {
			return backend.Stop
		}
		return backend.Continue
	})

	s.logger.Info("generate", "task_id", spec.TaskID, "steps", spec.NumInferenceSteps, "outputs", spec.NumOutputs)
	out, err := s.backend.Generate(ctx, spec)
	if connErr != nil {
		return Message{}, fmt.Errorf("%w: %v", errConnLost, connErr)
	}
	if err != nil {
		return Message{}, err
	}

	msg := Message{Type: MsgResult, Stopped: out.Stopped, Images: make([][]byte, 0, len(out.Images))}
	for i, img := range out.Images {
		data, err := imaging.EncodePNG(img)
		if err != nil {
			return Message{}, fmt.Errorf("encode image %d: %w", i, err)
		}
		msg.Images = append(msg.Images, data)
	}
	return msg, nil
}

func (s *Server) filter(ctx context.Context, req Request) (Message, error) {
	if req.Filter == nil {
		return Message{}, fmt.Errorf("filter request has no spec")
	}
	img, err := imaging.DecodePNG(req.Image)
	if err != nil {
		return Message{}, err
	}
	out, err := s.backend.ApplyFilter(ctx, *req.Filter, img)
	if err != nil {
		return Message{}, err
	}
	data, err := imaging.EncodePNG(out)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgResult, Images: [][]byte{data}}, nil
}

func (s *Server) sendError(conn net.Conn, err error) {
	if werr := WriteMessage(conn, Message{Type: MsgError, Error: err.Error()}); werr != nil {
		s.logger.Warn("write error", "error", werr)
	}
}
