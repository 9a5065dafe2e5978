// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarmesh/daq/internal/normalize"
	"github.com/solarmesh/daq/internal/pipeline"
)

func TestBatchBySize(t *testing.T) {
	state := pipeline.NewStateStore()
	state.Set("batch", "1", "batch_on", 4)
	state.Set("batch", "1", "batch_at", 60.0)

	stage := New("batch", "1", state, time.Now, 4, 60)

	in := make(chan any, 8)
	out := make(chan any, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stage.Run(ctx, in, out)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		in <- normalize.Record{Type: "mon", MACAddr: "abc"}
	}

	var payload []byte
	select {
	case v := <-out:
		payload = v.([]byte)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	env, err := Decode(payload)
	require.NoError(t, err)
	assert.Len(t, env.Cache, 4)

	select {
	case <-out:
		t.Fatal("unexpected second batch")
	default:
	}

	cancel()
	<-done
}

func TestBatchByTime(t *testing.T) {
	state := pipeline.NewStateStore()
	state.Set("batch", "2", "batch_on", 500)
	state.Set("batch", "2", "batch_at", 0.2)

	stage := New("batch", "2", state, time.Now, 500, 0.2)

	in := make(chan any, 8)
	out := make(chan any, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stage.Run(ctx, in, out)
		close(done)
	}()

	in <- normalize.Record{Type: "mon", MACAddr: "abc"}

	var payload []byte
	select {
	case v := <-out:
		payload = v.([]byte)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	env, err := Decode(payload)
	require.NoError(t, err)
	assert.Len(t, env.Cache, 1)

	cancel()
	<-done
}
