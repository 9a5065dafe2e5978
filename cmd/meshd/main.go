// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command meshd runs the mesh telemetry ingestion pipeline: the TCP/UDP
// gateway, the ingress router, the sample normalizer, and the
// batch/compress/egress chain that republishes samples to the external
// bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarmesh/daq/internal/batch"
	"github.com/solarmesh/daq/internal/command"
	"github.com/solarmesh/daq/internal/config"
	"github.com/solarmesh/daq/internal/egress"
	"github.com/solarmesh/daq/internal/gateway"
	"github.com/solarmesh/daq/internal/ingress"
	"github.com/solarmesh/daq/internal/normalize"
	"github.com/solarmesh/daq/internal/pipeline"
	"github.com/solarmesh/daq/internal/supervisor"
	"github.com/solarmesh/daq/internal/wire"
	"github.com/solarmesh/daq/pkg/log"
	natsclient "github.com/solarmesh/daq/pkg/nats"
)

func main() {
	var configFile string
	var gops bool
	flag.StringVar(&configFile, "config", "./config.json", "path to the pipeline configuration file")
	flag.BoolVar(&gops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("%s", err.Error())
	}
	log.SetLogLevel(cfg.Log.Level)
	log.SetLogDateTime(cfg.Log.DateTime)

	ctx, cancel := context.WithCancel(context.Background())

	clock := clockwork.NewRealClock()
	normalizer, err := normalize.New(clock)
	if err != nil {
		log.Fatalf("normalize: %s", err.Error())
	}

	state := pipeline.NewStateStore()
	state.Set("batch", "0", "batch_on", cfg.DAQ.Compression.BatchOn)
	state.Set("batch", "0", "batch_at", cfg.DAQ.Compression.BatchAt)

	frames := make(chan gateway.Frame, cfg.DAQ.BackpressureQsize+1)
	gw := gateway.New(gateway.Config{
		CommHost:      cfg.Gateway.CommHost,
		CommPort:      cfg.Gateway.CommPort,
		AdListenPort:  cfg.Gateway.AdListenPort,
		AdRespondPort: cfg.Gateway.AdRespondPort,
	}, frames, func() float64 { return float64(clock.Now().Unix()) }, state)

	batchStage := batch.New("batch", "0", state, func() time.Time { return clock.Now() },
		cfg.DAQ.Compression.BatchOn, cfg.DAQ.Compression.BatchAt)

	egressCfg := natsclient.Config{Address: cfg.NATS.ExternalPublishServer}
	publisher := egress.New("egress", "0", egressCfg, cfg.NATS.ExternalMeshTopic, cfg.DAQ.ThrottleDelay, state)

	pl := pipeline.New(state, 64, batchStage, publisher)

	router := ingress.New(frames, state)
	router.RegisterHandler("handle_data_report",
		func(c wire.Command) bool { _, ok := c.(*wire.DataIndication); return ok },
		func(c wire.Command, response map[string]any) bool {
			resp, ok := ingress.ResponseToNormalizeResponse(response)
			if !ok {
				return false
			}
			records, ok := normalizer.HandleDataReport(resp)
			if !ok {
				return false
			}
			for _, rec := range records {
				select {
				case pl.Input() <- rec:
				case <-ctx.Done():
					return false
				}
			}
			return true
		},
	)

	sup := supervisorComponents(gw, pl)
	s := supervisor.New(cfg.DAQ.ScratchDir, sup...)

	if err := s.Start(ctx); err != nil {
		log.Fatalf("startup failed: %s", err.Error())
	}

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Errorf("ingress router exited: %s", err.Error())
		}
	}()

	reqIDs := supervisor.NewRequestIDGenerator(0)
	commands := command.NewRegistry()
	commands.Register("set_batch_tunables", func(args map[string]any) (string, error) {
		if n, ok := command.IntArg(args, "batch_on"); ok {
			state.Set("batch", "0", "batch_on", n)
		}
		if at, ok := command.FloatArg(args, "batch_at"); ok {
			state.Set("batch", "0", "batch_at", at)
		}
		return "tunables updated", nil
	})
	commands.Register("new_request_id", func(args map[string]any) (string, error) {
		return fmt.Sprintf("%d", reqIDs.Next()), nil
	})

	if cfg.NATS.CommandTopic != "" && cfg.NATS.ResponseTopic != "" {
		go func() {
			bus, err := natsclient.NewClientWithBackoff(ctx, natsclient.Config{Address: cfg.NATS.Server})
			if err != nil {
				log.Warnf("command channel abandoned: %s", err.Error())
				return
			}
			defer bus.Close()

			srv := command.NewServer(commands, cfg.NATS.CommandTopic, cfg.NATS.ResponseTopic)
			if err := srv.Serve(ctx, bus); err != nil {
				log.Errorf("command channel exited: %s", err.Error())
			}
		}()
	}

	const checkEvery = 30 * time.Second
	const staleAfter = 3 * checkEvery

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("scheduler: %s", err.Error())
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(checkEvery),
		gocron.NewTask(func() {
			for handler, age := range state.HeartbeatAges(clock.Now()) {
				if age > staleAfter {
					log.Warnf("supervisor: handler %s heartbeat is %s stale (> %s)", handler, age, staleAfter)
				}
			}
		}),
	)
	if err != nil {
		log.Fatalf("scheduler: %s", err.Error())
	}
	scheduler.Start()

	var httpServer *http.Server
	if cfg.Admin.ListenAddress != "" {
		httpServer = startAdminServer(cfg.Admin.ListenAddress, normalizer)
	}

	done := make(chan struct{})
	go func() {
		supervisor.RunUntilSignal(cancel, done)
	}()

	<-ctx.Done()
	s.Stop()
	if err := scheduler.Shutdown(); err != nil {
		log.Warnf("scheduler shutdown: %s", err.Error())
	}
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	close(done)

	log.Info("meshd: shutdown complete")
}

func supervisorComponents(gw *gateway.Gateway, pl *pipeline.Pipeline) []supervisor.Startable {
	return []supervisor.Startable{
		startableGateway{gw},
		startablePipeline{pl},
	}
}

type startableGateway struct{ gw *gateway.Gateway }

func (s startableGateway) Start(ctx context.Context) error { return s.gw.Start(ctx) }
func (s startableGateway) Stop()                           { s.gw.Stop() }

type startablePipeline struct{ pl *pipeline.Pipeline }

func (s startablePipeline) Start(ctx context.Context) error { s.pl.Start(ctx); return nil }
func (s startablePipeline) Stop()                           { s.pl.Stop() }

func startAdminServer(addr string, normalizer *normalize.Normalizer) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/last/{type}", func(w http.ResponseWriter, req *http.Request) {
		recordType := mux.Vars(req)["type"]
		rec, ok := normalizer.LastRecord(recordType)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			log.Warnf("admin: encoding last record failed: %s", err.Error())
		}
	})

	srv := &http.Server{
		Addr: addr,
		Handler: handlers.CustomLoggingHandler(log.InfoWriter, r, func(w io.Writer, params handlers.LogFormatterParams) {
			log.Finfof(w, "admin: %s %s %s -> %d (%d bytes)",
				params.Request.Method, params.URL.RequestURI(), params.Request.Proto,
				params.StatusCode, params.Size)
		}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin http server: %s", err.Error())
		}
	}()
	return srv
}
