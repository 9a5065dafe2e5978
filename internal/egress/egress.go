// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package egress implements the publisher stage that connects to the
// external pub/sub bus and republishes each compressed batch, throttled
// to a configured rate.
package egress

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/solarmesh/daq/internal/pipeline"
	"github.com/solarmesh/daq/pkg/log"
	"github.com/solarmesh/daq/pkg/nats"
)

// idleSleep is how long the publisher naps after finding its input
// channel empty before refreshing its heartbeat.
const idleSleep = 50 * time.Millisecond

// busClient is the subset of *nats.Client the publisher needs; narrowed
// to an interface so tests can exercise Run without a live NATS server.
type busClient interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher is a pipeline.Handler that publishes each payload it
// receives to subject on an external bus connection, connecting lazily
// via nats.NewClientWithBackoff. A failed publish drops that payload and
// closes the connection, so the next payload redials with backoff.
type Publisher struct {
	name, id string
	cfg      nats.Config
	subject  string
	limiter  *rate.Limiter
	state    *pipeline.StateStore

	// dial is overridden in tests; defaults to nats.NewClientWithBackoff.
	dial func(ctx context.Context, cfg nats.Config) (busClient, error)
}

// New builds a Publisher. throttleDelay is the minimum spacing between
// publishes (seconds); it is implemented with a token-bucket limiter
// rather than a literal per-publish sleep so bursts below the limit
// don't pay unnecessary latency.
func New(name, id string, cfg nats.Config, subject string, throttleDelay float64, state *pipeline.StateStore) *Publisher {
	var limiter *rate.Limiter
	if throttleDelay > 0 {
		limiter = rate.NewLimiter(rate.Limit(1/throttleDelay), 1)
	}
	return &Publisher{
		name: name, id: id, cfg: cfg, subject: subject, limiter: limiter, state: state,
		dial: func(ctx context.Context, cfg nats.Config) (busClient, error) {
			return nats.NewClientWithBackoff(ctx, cfg)
		},
	}
}

func (p *Publisher) Name() string { return p.name }
func (p *Publisher) ID() string   { return p.id }

// Run implements pipeline.Handler: it publishes each []byte payload
// received on in. The bus connection is dialed on the first payload, not
// at startup, so the pipeline comes up even while the egress bus is
// still unreachable.
func (p *Publisher) Run(ctx context.Context, in <-chan any, out chan<- any) error {
	var client busClient
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	for {
		pipeline.Heartbeat(p.state, p.name, p.id, time.Now())

		select {
		case <-ctx.Done():
			return nil

		case v, ok := <-in:
			if !ok {
				return nil
			}
			payload, ok := v.([]byte)
			if !ok {
				log.Warnf("egress: skipping non-[]byte payload of type %T", v)
				continue
			}

			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			if client == nil {
				c, err := p.dial(ctx, p.cfg)
				if err != nil {
					// dial retries with backoff internally, so an error
					// means ctx was canceled mid-connect.
					log.Warnf("egress: connect abandoned: %v", err)
					return nil
				}
				client = c
			}

			if err := client.Publish(p.subject, payload); err != nil {
				log.Warnf("egress: publish to %s failed, reconnecting on next item: %v", p.subject, err)
				client.Close()
				client = nil
				continue
			}
			log.Debugf("egress: published %d bytes to %s", len(payload), p.subject)

		case <-time.After(idleSleep):
		}
	}
}
