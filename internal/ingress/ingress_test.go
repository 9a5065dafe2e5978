// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarmesh/daq/internal/gateway"
	"github.com/solarmesh/daq/internal/pipeline"
	"github.com/solarmesh/daq/internal/wire"
)

func encodeFrameBody(t *testing.T, msg *wire.Message) []byte {
	t.Helper()
	raw, err := wire.EncodeMessage(msg)
	require.NoError(t, err)
	return raw
}

func TestRouterDispatchesDataIndicationToRegisteredHandler(t *testing.T) {
	msg := &wire.Message{
		MeshCtrl: wire.NewMeshCtrl(),
		Addr:     "0102030405060708",
		DType:    wire.DTypePLM,
		PartNum:  1,
		NumParts: 1,
	}
	di := &wire.DataIndication{
		Header:  msg,
		OpStat:  1,
		RegStat: 2,
		Samples: []wire.Sample{{Timestamp: 10, Vi: 38.5}},
	}
	msg.AddCommand(di)

	body := encodeFrameBody(t, msg)

	in := make(chan gateway.Frame, 1)
	r := New(in, pipeline.NewStateStore())

	got := make(chan map[string]any, 1)
	r.RegisterHandler("handle_data_report",
		func(c wire.Command) bool { _, ok := c.(*wire.DataIndication); return ok },
		func(c wire.Command, resp map[string]any) bool {
			got <- resp
			return true
		},
	)

	in <- gateway.Frame{Body: body, ReceivedOn: 1.0}
	close(in)

	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()

	select {
	case resp := <-got:
		norm, ok := ResponseToNormalizeResponse(resp)
		require.True(t, ok)
		require.Len(t, norm.Data, 1)
		assert.Equal(t, 38.5, norm.Data[0].Vi)
		assert.Equal(t, uint16(1), norm.OpStat)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler dispatch")
	}
	<-done
}

func TestRouterSkipsHandlersWhoseFilterDoesNotMatch(t *testing.T) {
	msg := &wire.Message{Addr: "0102030405060708", NumParts: 1, PartNum: 1}
	msg.AddCommand(&wire.RawResponse{Header: msg, ID: 0xAB, Raw: []byte{1, 2, 3}})

	r := New(nil, pipeline.NewStateStore())

	called := false
	r.RegisterHandler("data_only",
		func(c wire.Command) bool { _, ok := c.(*wire.DataIndication); return ok },
		func(c wire.Command, resp map[string]any) bool { called = true; return true },
	)

	handled := r.dispatchCommandHandlers(msg.Commands[0], msg.Commands[0].Response())
	assert.True(t, handled)
	assert.False(t, called)
}

func TestDispatchHandlerPanicIsIsolated(t *testing.T) {
	msg := &wire.Message{Addr: "0102030405060708", NumParts: 1, PartNum: 1}
	msg.AddCommand(&wire.RawResponse{Header: msg, ID: 0xAB, Raw: []byte{1, 2, 3}})

	r := New(nil, pipeline.NewStateStore())

	called := false
	r.RegisterHandler("panics",
		func(c wire.Command) bool { return true },
		func(c wire.Command, resp map[string]any) bool { panic("boom") },
	)
	r.RegisterHandler("second",
		func(c wire.Command) bool { return true },
		func(c wire.Command, resp map[string]any) bool { called = true; return true },
	)

	handled := r.dispatchCommandHandlers(msg.Commands[0], msg.Commands[0].Response())
	assert.False(t, handled)
	assert.True(t, called)
}
