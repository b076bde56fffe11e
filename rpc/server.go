package rpc

import (
	"context"
	"sync/atomic"

	"github.com/nodemesh/corebus/mux"
	"github.com/nodemesh/corebus/wire"
)

// Server is the Call Executor (spec.md §4.5): it deserialises inbound
// requests/notifies, dispatches them to a Router, and replies to asks.
// Grounded in goop2's call.Manager.dispatch, which reads one channel of
// envelopes and routes each to a session or incoming-call handler.
type Server struct {
	channel    *mux.Channel
	serializer *wire.Serializer
	router     *Router
	pins       *PinRegistry

	closing atomic.Bool
}

// NewServer wraps channel as a Call Executor dispatching against router.
// pins may be nil if the pin feature is not in use on this connection.
func NewServer(channel *mux.Channel, serializer *wire.Serializer, router *Router, pins *PinRegistry) *Server {
	return &Server{channel: channel, serializer: serializer, router: router, pins: pins}
}

// Run reads request/notify/release envelopes from the control channel
// until it closes, dispatching each to router. Response envelopes (which
// belong to a Client sharing the same channel) are ignored here.
func (s *Server) Run(ctx context.Context) {
	for {
		data, err := s.channel.Receive(ctx)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			log.Warnf("rpc: dropping malformed control message: %v", err)
			continue
		}
		switch env.Kind {
		case kindRequest, kindNotify:
			go s.dispatch(ctx, env)
		case kindRelease:
			if s.pins != nil {
				s.pins.Release(env.PinID)
			}
		}
	}
}

// MarkClosing flags the connection as shutting down; handlers observe it
// via Env.IsClosing.
func (s *Server) MarkClosing() {
	s.closing.Store(true)
}

func (s *Server) dispatch(ctx context.Context, env envelope) {
	fn, ok := s.router.Lookup(env.Path)
	if !ok {
		if env.CallKind == Ask {
			s.respondError(ctx, env.CallID, (&PathNotFoundError{Path: env.Path}).Error())
		} else {
			log.Warnf("rpc: no handler for notify path %q", env.Path)
		}
		return
	}

	decCtx := &wire.DecodeContext{}
	input := make([]any, len(env.Input))
	for i, v := range env.Input {
		val, err := s.serializer.Deserialize(decCtx, v)
		if err != nil {
			if env.CallKind == Ask {
				s.respondError(ctx, env.CallID, (&LocalError{Detail: err.Error()}).Error())
			}
			return
		}
		input[i] = val
	}
	meta, err := s.serializer.Deserialize(decCtx, env.Meta)
	if err != nil {
		if env.CallKind == Ask {
			s.respondError(ctx, env.CallID, (&LocalError{Detail: err.Error()}).Error())
		}
		return
	}

	result, err := s.invoke(ctx, fn, meta, input)

	if env.CallKind != Ask {
		// tell never responds regardless of outcome; unhandled errors are
		// logged (spec.md §4.5).
		if err != nil {
			log.Warnf("rpc: tell handler for %q failed: %v", env.Path, err)
		}
		return
	}
	if err != nil {
		s.respondError(ctx, env.CallID, err.Error())
		return
	}
	s.respondSuccess(ctx, env.CallID, result)
}

func (s *Server) invoke(ctx context.Context, fn Handler, meta any, input []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &LocalError{Detail: "handler panic"}
		}
	}()
	env := Env{Ctx: ctx, Meta: meta, isClosing: s.closing.Load}
	return fn(env, input)
}

func (s *Server) respondSuccess(ctx context.Context, callID string, result any) {
	output, err := s.serializer.Serialize(&wire.EncodeContext{}, result)
	if err != nil {
		s.respondError(ctx, callID, err.Error())
		return
	}
	s.sendResponse(ctx, envelope{Kind: kindResponse, CallID: callID, Success: true, Output: output})
}

func (s *Server) respondError(ctx context.Context, callID, message string) {
	s.sendResponse(ctx, envelope{Kind: kindResponse, CallID: callID, Success: false, Output: message})
}

func (s *Server) sendResponse(ctx context.Context, env envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		log.Warnf("rpc: encode response: %v", err)
		return
	}
	if err := s.channel.Send(ctx, data); err != nil {
		log.Warnf("rpc: send response for call %s: %v", env.CallID, err)
	}
}
