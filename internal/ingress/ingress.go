// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingress routes parsed gateway frames to the wire codec and
// dispatches decoded commands to the registered handler table.
package ingress

import (
	"context"
	"time"

	"github.com/solarmesh/daq/internal/gateway"
	"github.com/solarmesh/daq/internal/normalize"
	"github.com/solarmesh/daq/internal/pipeline"
	"github.com/solarmesh/daq/internal/wire"
	"github.com/solarmesh/daq/pkg/log"
)

// CommandHandler processes one decoded Command and its Response()
// payload, returning whether it considers the command handled.
type CommandHandler func(cmd wire.Command, response map[string]any) bool

// Router drains a Gateway's frame channel, decodes each into a
// wire.Message, and fans each parsed command out to every registered
// handler whose command-type filter matches. Handlers that produce
// pipeline records (the sample normalizer) push them into the
// pipeline's first-stage queue themselves; the router only dispatches.
type Router struct {
	in       <-chan gateway.Frame
	state    *pipeline.StateStore
	handlers map[string][]func(wire.Command) bool
	order    []string
	hfuncs   map[string]CommandHandler
}

// New builds a Router reading frames from in.
func New(in <-chan gateway.Frame, state *pipeline.StateStore) *Router {
	return &Router{
		in:       in,
		state:    state,
		handlers: make(map[string][]func(wire.Command) bool),
		hfuncs:   make(map[string]CommandHandler),
	}
}

// RegisterHandler adds a named handler invoked for any command for
// which typeFilter returns true. Handlers run in registration order.
func (r *Router) RegisterHandler(name string, typeFilter func(wire.Command) bool, fn CommandHandler) {
	if _, exists := r.hfuncs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = append(r.handlers[name], typeFilter)
	r.hfuncs[name] = fn
}

// Run reads frames until ctx is canceled or in is closed.
func (r *Router) Run(ctx context.Context) error {
	for {
		pipeline.Heartbeat(r.state, "ingress", "0", time.Now())

		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-r.in:
			if !ok {
				return nil
			}
			r.handleFrame(frame)
		}
	}
}

func (r *Router) handleFrame(frame gateway.Frame) {
	msg, err := wire.DecodeMessage(frame.Body, frame.ReceivedOn)
	if err != nil {
		log.Warnf("ingress: [%s] dropping malformed frame: %v", frame.ConnID, err)
		return
	}

	for _, cmd := range msg.Commands {
		r.dispatchCommandHandlers(cmd, cmd.Response())
	}
}

// dispatchCommandHandlers invokes every handler whose filter matches
// cmd, logging (not propagating) handler panics, and returns the
// logical AND of each invoked handler's result so a caller can observe
// whether every matching handler accepted the command.
func (r *Router) dispatchCommandHandlers(cmd wire.Command, response map[string]any) bool {
	handled := true

	for _, name := range r.order {
		matches := false
		for _, filter := range r.handlers[name] {
			if filter(cmd) {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}

		ok := r.safeInvoke(name, cmd, response)
		handled = handled && ok
	}

	return handled
}

func (r *Router) safeInvoke(name string, cmd wire.Command, response map[string]any) (result bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("ingress: handler %q panicked: %v", name, rec)
			result = false
		}
	}()
	return r.hfuncs[name](cmd, response)
}

// ResponseToNormalizeResponse adapts a DataIndication's generic
// Response() map into the typed normalize.Response the normalizer stage
// consumes. It reports false when the regStat/opStat status words are
// absent, which is the caller's cue to drop the report.
func ResponseToNormalizeResponse(response map[string]any) (normalize.Response, bool) {
	regStat, ok1 := response["reg_stat"].(uint16)
	opStat, ok2 := response["op_stat"].(uint16)
	if !ok1 || !ok2 {
		return normalize.Response{}, false
	}

	rawData, ok := response["data"].([]map[string]any)
	if !ok {
		return normalize.Response{}, false
	}

	samples := make([]normalize.ResponseSample, 0, len(rawData))
	for _, d := range rawData {
		samples = append(samples, normalize.ResponseSample{
			Timestamp: d["timestamp"].(uint16),
			Vi:        d["Vi"].(float64),
			Vo:        d["Vo"].(float64),
			Ii:        d["Ii"].(float64),
			Io:        d["Io"].(float64),
			Pi:        d["Pi"].(float64),
			Po:        d["Po"].(float64),
		})
	}

	macaddr, _ := response["macaddr"].(string)
	typ, _ := response["type"].(string)

	return normalize.Response{
		Type:    typ,
		MACAddr: macaddr,
		OpStat:  opStat,
		RegStat: regStat,
		Data:    samples,
	}, true
}
