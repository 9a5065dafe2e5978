// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solarmesh/daq/pkg/log"
)

// JoinTimeout bounds how long Stop waits for a stage's Run to return
// before giving up and logging a leak warning. A goroutine cannot be
// force-terminated, so a stage running past the deadline is reported,
// not killed.
const JoinTimeout = 30 * time.Second

// Handler is one stage of the pipeline: it reads from in, does its work,
// and writes to out, until ctx is canceled or in is closed.
type Handler interface {
	// Name identifies the handler for state-store namespacing and logs.
	Name() string
	// ID distinguishes multiple instances of the same Handler
	// implementation running in one pipeline.
	ID() string
	// Run executes the handler body. It must return promptly after ctx
	// is canceled.
	Run(ctx context.Context, in <-chan any, out chan<- any) error
}

// stage pairs a Handler with its bound input/output channels.
type stage struct {
	h   Handler
	in  chan any
	out chan any
}

// Pipeline wires a sequence of Handlers so each stage's output feeds the
// next stage's input, and supervises their lifecycle with an errgroup.
type Pipeline struct {
	stages []stage
	state  *StateStore
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// New builds a Pipeline from handlers in order, allocating a bounded
// channel of capacity chanCap between each adjacent pair plus at the
// head and tail. The caller retains the head input channel and tail
// output channel via Input()/Output().
func New(state *StateStore, chanCap int, handlers ...Handler) *Pipeline {
	p := &Pipeline{state: state}

	var prev chan any
	for _, h := range handlers {
		in := prev
		if in == nil {
			in = make(chan any, chanCap)
		}
		out := make(chan any, chanCap)
		p.stages = append(p.stages, stage{h: h, in: in, out: out})
		prev = out
	}

	return p
}

// Input returns the channel callers feed into the first stage.
func (p *Pipeline) Input() chan<- any {
	return p.stages[0].in
}

// Output returns the channel callers drain from the last stage.
func (p *Pipeline) Output() <-chan any {
	return p.stages[len(p.stages)-1].out
}

// Start launches every stage's Run in its own goroutine under a shared
// errgroup, starting with the first-declared handler (Gateway startup
// order is enforced by the caller, not by Pipeline itself).
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	p.done = make(chan struct{})

	for _, st := range p.stages {
		st := st
		g.Go(func() error {
			err := st.h.Run(gctx, st.in, st.out)
			close(st.out)
			if err != nil {
				log.Errorf("pipeline: handler %s/%s exited: %v", st.h.Name(), st.h.ID(), err)
			}
			return err
		})
	}

	go func() {
		_ = g.Wait()
		close(p.done)
	}()
}

// Stop cancels every stage and waits up to JoinTimeout for them to
// return. A stage still running past the deadline is logged as leaked;
// Stop returns regardless so the supervisor can continue tearing down.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(JoinTimeout):
		log.Warnf("pipeline: stages did not stop within %s, abandoning them", JoinTimeout)
	}
}

// Heartbeat records the current time under "<name>.<id>.heartbeat" so a
// watchdog can detect stalled stages.
func Heartbeat(state *StateStore, name, id string, now time.Time) {
	state.Set(name, id, "heartbeat", now.Unix())
}
