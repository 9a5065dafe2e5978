// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package command implements the COMMAND_REQUEST channel: BSON-encoded
// {func, args} requests arriving on the internal bus are looked up in a
// function registry, invoked with their arguments, and answered with a
// BSON {status, msg} reply on the response subject.
package command

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/solarmesh/daq/pkg/log"
	"github.com/solarmesh/daq/pkg/nats"
)

// Func is one registered command: it receives the request's args and
// returns a human-readable result message or an error.
type Func func(args map[string]any) (string, error)

type request struct {
	Func string         `bson:"func"`
	Args map[string]any `bson:"args"`
}

type reply struct {
	Status bool   `bson:"status"`
	Msg    string `bson:"msg"`
}

// Registry maps function names to their implementations. Registration
// happens once during wiring; dispatch may run concurrently.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register associates name with fn, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Handle decodes one request body and dispatches it, always producing a
// BSON reply: malformed bodies, unknown functions, and function errors
// all come back as status=false with a message rather than a dropped
// request.
func (r *Registry) Handle(body []byte) []byte {
	var req request
	if err := bson.Unmarshal(body, &req); err != nil {
		return encodeReply(false, fmt.Sprintf("malformed command request: %v", err))
	}

	r.mu.RLock()
	fn, ok := r.funcs[req.Func]
	r.mu.RUnlock()
	if !ok {
		return encodeReply(false, fmt.Sprintf("unknown function %q", req.Func))
	}

	msg, err := fn(req.Args)
	if err != nil {
		return encodeReply(false, err.Error())
	}
	return encodeReply(true, msg)
}

func encodeReply(status bool, msg string) []byte {
	out, err := bson.Marshal(reply{Status: status, Msg: msg})
	if err != nil {
		log.Errorf("command: reply encode failed: %v", err)
		return nil
	}
	return out
}

// IntArg extracts an integer argument, accepting the integer widths BSON
// decoding can produce for a number.
func IntArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// FloatArg extracts a float argument, accepting the numeric widths BSON
// decoding can produce.
func FloatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bus is the subset of the NATS client the Server needs.
type Bus interface {
	Subscribe(subject string, handler nats.MessageHandler) error
	Publish(subject string, data []byte) error
}

// Server subscribes a Registry to the command subject on the internal
// bus and publishes each reply on the response subject.
type Server struct {
	reg           *Registry
	commandTopic  string
	responseTopic string
}

// NewServer builds a Server dispatching to reg.
func NewServer(reg *Registry, commandTopic, responseTopic string) *Server {
	return &Server{reg: reg, commandTopic: commandTopic, responseTopic: responseTopic}
}

// Serve subscribes on the command subject and blocks until ctx is done.
// The subscription itself runs on the bus client's delivery goroutine.
func (s *Server) Serve(ctx context.Context, bus Bus) error {
	err := bus.Subscribe(s.commandTopic, func(_ string, data []byte) {
		resp := s.reg.Handle(data)
		if resp == nil {
			return
		}
		if err := bus.Publish(s.responseTopic, resp); err != nil {
			log.Warnf("command: reply publish to %s failed: %v", s.responseTopic, err)
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
