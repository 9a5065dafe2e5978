// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor wires together the gateway and the handler pipeline,
// owns the process-wide request ID counter, and drives startup/shutdown
// including double-SIGINT escalation to a forced exit.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/solarmesh/daq/pkg/log"
)

// Startable is anything with idempotent Start/Stop lifecycle methods,
// satisfied by *gateway.Gateway. *pipeline.Pipeline, whose Start returns
// no error, is wrapped by an adapter in cmd/meshd.
type Startable interface {
	Start(ctx context.Context) error
	Stop()
}

// RequestIDGenerator produces a monotonically incrementing request ID
// that wraps at 65536, safe for concurrent use.
type RequestIDGenerator struct {
	mu  sync.Mutex
	cur uint32
}

// NewRequestIDGenerator seeds the counter at start. The seed is
// arbitrary; only the wraparound behavior matters to callers.
func NewRequestIDGenerator(start uint16) *RequestIDGenerator {
	return &RequestIDGenerator{cur: uint32(start)}
}

// Next returns the next request ID, wrapping 65535 -> 0.
func (g *RequestIDGenerator) Next() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur = (g.cur + 1) % 65536
	return uint16(g.cur)
}

// Supervisor brings up a gateway-like and a pipeline-like component in
// order, and tears them down in reverse order on shutdown.
type Supervisor struct {
	components []Startable
	ScratchDir string
}

// New builds a Supervisor that will start components in the given order
// and stop them in reverse.
func New(scratchDir string, components ...Startable) *Supervisor {
	return &Supervisor{components: components, ScratchDir: scratchDir}
}

// Start brings up every component in order, stopping whatever already
// started if a later one fails (a BindFailure-class error is fatal at
// startup, not something the supervisor retries).
func (s *Supervisor) Start(ctx context.Context) error {
	started := 0
	for _, c := range s.components {
		if err := c.Start(ctx); err != nil {
			for i := started - 1; i >= 0; i-- {
				s.components[i].Stop()
			}
			return err
		}
		started++
	}
	return nil
}

// Stop tears down every component in reverse order (component Stop
// methods report no errors), then performs a best-effort cleanup of
// transient temp artifacts.
func (s *Supervisor) Stop() {
	for i := len(s.components) - 1; i >= 0; i-- {
		s.components[i].Stop()
	}
	s.cleanupScratch()
}

// cleanupScratch best-effort removes transient artifacts left behind
// under ScratchDir. Only a directory the operator explicitly configured
// is swept, never the system /tmp.
func (s *Supervisor) cleanupScratch() {
	if s.ScratchDir == "" {
		return
	}
	entries, err := os.ReadDir(s.ScratchDir)
	if err != nil {
		log.Warnf("supervisor: scratch dir sweep skipped: %v", err)
		return
	}
	for _, e := range entries {
		full := filepath.Join(s.ScratchDir, e.Name())
		if err := os.RemoveAll(full); err != nil {
			log.Warnf("supervisor: failed to remove scratch artifact %s: %v", full, err)
		}
	}
}

// RunUntilSignal blocks until SIGINT/SIGTERM, starting a graceful
// cancellation on the first signal; a second SIGINT forces immediate
// exit rather than waiting for cleanup. done, once closed by the caller
// after its own shutdown completes, stops RunUntilSignal from waiting
// on a second signal that may never arrive.
func RunUntilSignal(cancel context.CancelFunc, done <-chan struct{}) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case first := <-sigs:
		log.Infof("supervisor: received %s, shutting down", first)
		cancel()
	case <-done:
		return
	}

	select {
	case second := <-sigs:
		if second == syscall.SIGINT {
			log.Warnf("supervisor: received second SIGINT, forcing exit")
			os.Exit(1)
		}
	case <-done:
	}
}
