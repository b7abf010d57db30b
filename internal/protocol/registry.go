package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownCommand indicates no handler is registered for the code.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrHandlerFailure classifies handler panics.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrRegistrySealed indicates registration after startup.
	ErrRegistrySealed = errors.New("registry sealed")
	// ErrDuplicateHandler indicates a code was registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrRegistryNotSealed indicates dispatch before Seal.
	ErrRegistryNotSealed = errors.New("registry not sealed")
)

// HandlerFailure wraps a recovered handler panic.
type HandlerFailure struct {
	Command Code
	Value   any
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failure in %s: %v", e.Command, e.Value)
}

func (e *HandlerFailure) Unwrap() error { return ErrHandlerFailure }

// Request is a decoded envelope bound to the client that sent it.
type Request struct {
	ClientID string
	Envelope Envelope
	Codec    Codec
}

// Decode unmarshals and validates the request payload into v.
func (r Request) Decode(v any) error {
	return DecodePayload(r.Codec, r.Envelope, v)
}

type delivered struct{}

// Delivered is returned by handlers that already sent their reply on the
// client connection, so the dispatcher must not send another.
var Delivered any = delivered{}

// HandlerFunc serves one command. The returned value becomes the reply
// payload; a nil value sends an empty reply.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Registry maps command codes to handlers. Handlers are registered during
// startup, after which Seal freezes the map and Dispatch reads it without
// locking.
type Registry struct {
	mu       sync.Mutex
	handlers map[Code]HandlerFunc
	sealed   atomic.Bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{handlers: make(map[Code]HandlerFunc), logger: logger}
}

// Register binds a handler to a code.
func (r *Registry) Register(code Code, handler HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, ok := r.handlers[code]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, code)
	}
	r.handlers[code] = handler
	return nil
}

// Seal freezes the handler map.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Codes returns the registered command codes.
func (r *Registry) Codes() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]Code, 0, len(r.handlers))
	for code := range r.handlers {
		codes = append(codes, code)
	}
	return codes
}

// Dispatch routes req to its handler. Panics are recovered into
// *HandlerFailure; handler errors are returned unchanged.
func (r *Registry) Dispatch(ctx context.Context, req Request) (result any, err error) {
	if !r.sealed.Load() {
		return nil, ErrRegistryNotSealed
	}
	handler, ok := r.handlers[req.Envelope.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Envelope.Command)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command handler panicked",
				"command", req.Envelope.Command.String(),
				"client_id", req.ClientID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = &HandlerFailure{Command: req.Envelope.Command, Value: rec}
		}
	}()

	return handler(ctx, req)
}
