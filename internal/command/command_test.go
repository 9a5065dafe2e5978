// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/solarmesh/daq/pkg/nats"
)

func decodeReply(t *testing.T, body []byte) (bool, string) {
	t.Helper()
	var r reply
	require.NoError(t, bson.Unmarshal(body, &r))
	return r.Status, r.Msg
}

func encodeRequest(t *testing.T, fn string, args map[string]any) []byte {
	t.Helper()
	out, err := bson.Marshal(request{Func: fn, Args: args})
	require.NoError(t, err)
	return out
}

func TestRegistryDispatchesToRegisteredFunc(t *testing.T) {
	reg := NewRegistry()
	reg.Register("set_batch_tunables", func(args map[string]any) (string, error) {
		n, ok := IntArg(args, "batch_on")
		require.True(t, ok)
		assert.Equal(t, 4, n)
		return "ok", nil
	})

	status, msg := decodeReply(t, reg.Handle(encodeRequest(t, "set_batch_tunables", map[string]any{"batch_on": 4})))
	assert.True(t, status)
	assert.Equal(t, "ok", msg)
}

func TestRegistryUnknownFuncIsAnError(t *testing.T) {
	reg := NewRegistry()
	status, msg := decodeReply(t, reg.Handle(encodeRequest(t, "nope", nil)))
	assert.False(t, status)
	assert.Contains(t, msg, "unknown function")
}

func TestRegistryFuncErrorBecomesFalseStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fails", func(args map[string]any) (string, error) {
		return "", errors.New("bad args")
	})

	status, msg := decodeReply(t, reg.Handle(encodeRequest(t, "fails", nil)))
	assert.False(t, status)
	assert.Equal(t, "bad args", msg)
}

func TestRegistryMalformedBodyIsAnError(t *testing.T) {
	reg := NewRegistry()
	status, _ := decodeReply(t, reg.Handle([]byte{0x01, 0x02}))
	assert.False(t, status)
}

func TestNumericArgWidths(t *testing.T) {
	args := map[string]any{"a": int32(7), "b": int64(8), "c": 0.5}

	n, ok := IntArg(args, "a")
	require.True(t, ok)
	assert.Equal(t, 7, n)

	n, ok = IntArg(args, "b")
	require.True(t, ok)
	assert.Equal(t, 8, n)

	f, ok := FloatArg(args, "c")
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	_, ok = IntArg(args, "missing")
	assert.False(t, ok)
}

type fakeBus struct {
	handler   nats.MessageHandler
	ready     chan struct{}
	published chan []byte
}

func (f *fakeBus) Subscribe(subject string, handler nats.MessageHandler) error {
	f.handler = handler
	close(f.ready)
	return nil
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.published <- data
	return nil
}

func TestServerRepliesOnResponseTopic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ping", func(args map[string]any) (string, error) { return "pong", nil })

	bus := &fakeBus{ready: make(chan struct{}), published: make(chan []byte, 1)}
	srv := NewServer(reg, "daq.command", "daq.response")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, bus)
		close(done)
	}()

	select {
	case <-bus.ready:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	bus.handler("daq.command", encodeRequest(t, "ping", nil))

	select {
	case body := <-bus.published:
		status, msg := decodeReply(t, body)
		assert.True(t, status)
		assert.Equal(t, "pong", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}

	cancel()
	<-done
}
