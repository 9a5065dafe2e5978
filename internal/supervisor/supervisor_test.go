// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDWrapsAt65536(t *testing.T) {
	gen := NewRequestIDGenerator(65534)

	assert.Equal(t, uint16(65535), gen.Next())
	assert.Equal(t, uint16(0), gen.Next())
	assert.Equal(t, uint16(1), gen.Next())
}

func TestRequestIDNeverRepeatsConsecutively(t *testing.T) {
	gen := NewRequestIDGenerator(0)
	prev := gen.Next()
	for i := 0; i < 200000; i++ {
		next := gen.Next()
		assert.NotEqual(t, prev, next)
		prev = next
	}
}

type fakeComponent struct {
	name      string
	failStart bool
	started   bool
	log       *[]string
}

func (f *fakeComponent) Start(ctx context.Context) error {
	if f.failStart {
		return errors.New("boom")
	}
	f.started = true
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop() {
	f.started = false
	*f.log = append(*f.log, "stop:"+f.name)
}

func TestSupervisorStartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	a := &fakeComponent{name: "a", log: &log}
	b := &fakeComponent{name: "b", log: &log}

	sup := New("", a, b)
	require.NoError(t, sup.Start(context.Background()))
	sup.Stop()

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
}

func TestSupervisorUnwindsPartialStartOnFailure(t *testing.T) {
	var log []string
	a := &fakeComponent{name: "a", log: &log}
	b := &fakeComponent{name: "b", failStart: true, log: &log}

	sup := New("", a, b)
	err := sup.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}
