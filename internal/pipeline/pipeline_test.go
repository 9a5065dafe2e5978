// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthrough is a minimal Handler that copies in to out, optionally
// transforming each value, until ctx is canceled or in is closed.
type passthrough struct {
	name, id string
	xform    func(any) any
}

func (p *passthrough) Name() string { return p.name }
func (p *passthrough) ID() string   { return p.id }

func (p *passthrough) Run(ctx context.Context, in <-chan any, out chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-in:
			if !ok {
				return nil
			}
			if p.xform != nil {
				v = p.xform(v)
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func TestPipelineChainsStagesInOrder(t *testing.T) {
	state := NewStateStore()
	double := &passthrough{name: "double", id: "0", xform: func(v any) any { return v.(int) * 2 }}
	incr := &passthrough{name: "incr", id: "0", xform: func(v any) any { return v.(int) + 1 }}

	p := New(state, 4, double, incr)
	p.Start(context.Background())
	defer p.Stop()

	p.Input() <- 5

	select {
	case v := <-p.Output():
		assert.Equal(t, 11, v) // (5*2)+1
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestPipelineStopIsIdempotentAndUnblocksOnCancel(t *testing.T) {
	state := NewStateStore()
	stage := &passthrough{name: "noop", id: "0"}

	p := New(state, 1, stage)
	p.Start(context.Background())

	p.Stop()
	p.Stop() // second Stop must not panic or block
}

func TestStateStoreGetSetDefaultsAndHeartbeat(t *testing.T) {
	state := NewStateStore()
	state.Set("batch", "0", "batch_on", 500)
	state.Set("batch", "0", "batch_at", 60.0)

	assert.Equal(t, 500, state.GetInt("batch", "0", "batch_on", 1))
	assert.Equal(t, 60.0, state.GetFloat("batch", "0", "batch_at", 1))

	// unset key falls back to the caller's default.
	assert.Equal(t, 7, state.GetInt("batch", "0", "missing", 7))

	Heartbeat(state, "batch", "0", time.Unix(100, 0))
	hb := state.Get("batch", "0", "heartbeat", int64(0))
	require.Equal(t, int64(100), hb)
}
