// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway implements the TCP MI framer and the UDP MARCO/POLO
// autodiscovery responder that together form the mesh network's point of
// contact with field monitors.
package gateway

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"

	"github.com/solarmesh/daq/internal/pipeline"
	"github.com/solarmesh/daq/pkg/log"
)

// Frame is one parsed MI frame, handed off to the ingress router.
type Frame struct {
	Source     string
	Length     uint8
	Body       []byte
	ReceivedOn float64
	ConnID     xid.ID
}

var (
	tcpConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_tcp_connections_active",
		Help: "Number of currently open monitor TCP connections.",
	})
	tcpFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_tcp_frames_total",
		Help: "Total MI frames successfully read off monitor connections.",
	})
	tcpMalformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_tcp_malformed_frames_total",
		Help: "Total frames dropped for a bad MI magic.",
	})
	udpMarcoTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_udp_marco_total",
		Help: "Total MARCO datagrams answered with POLO.",
	})
)

// Config holds the bind host and ports for both listeners.
type Config struct {
	CommHost      string
	CommPort      int
	AdListenPort  int
	AdRespondPort int
}

// Gateway owns the TCP and UDP listeners. Start/Stop are idempotent and
// may be called repeatedly by a supervisor.
type Gateway struct {
	cfg    Config
	out    chan<- Frame
	clock  func() float64
	state  *pipeline.StateStore
	mu     sync.Mutex
	tcpLn  net.Listener
	udpLn  net.PacketConn
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Gateway that writes parsed frames to out. clock
// supplies the UTC epoch-seconds timestamp stamped onto each frame.
func New(cfg Config, out chan<- Frame, clock func() float64, state *pipeline.StateStore) *Gateway {
	return &Gateway{cfg: cfg, out: out, clock: clock, state: state, conns: make(map[net.Conn]struct{})}
}

// Start brings up both listeners. Calling Start while already running is a
// no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tcpLn != nil || g.udpLn != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	tcpAddr := net.JoinHostPort(g.cfg.CommHost, strconv.Itoa(g.cfg.CommPort))
	tcpLn, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		cancel()
		return err
	}
	g.tcpLn = tcpLn
	log.Infof("gateway: TCP listening on %s", tcpAddr)

	udpAddr := net.JoinHostPort(g.cfg.CommHost, strconv.Itoa(g.cfg.AdListenPort))
	udpLn, err := net.ListenPacket("udp", udpAddr)
	if err != nil {
		tcpLn.Close()
		g.tcpLn = nil
		cancel()
		return err
	}
	g.udpLn = udpLn
	log.Infof("gateway: UDP autodiscovery listening on %s, responds on port %d", udpAddr, g.cfg.AdRespondPort)

	g.wg.Add(2)
	go g.acceptLoop(ctx)
	go g.autodiscoveryLoop(ctx)

	return nil
}

// Stop closes the TCP listener, every open monitor connection (so
// blocked reads return), and the UDP endpoint, in that order, then waits
// for the accept loop, the UDP loop, and every connection handler to
// return. The UDP endpoint is closed without first waiting for the
// accept loop.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}
	if g.tcpLn != nil {
		g.tcpLn.Close()
	}
	g.connMu.Lock()
	for conn := range g.conns {
		conn.Close()
	}
	g.connMu.Unlock()
	if g.udpLn != nil {
		g.udpLn.Close()
	}
	g.wg.Wait()
	g.tcpLn = nil
	g.udpLn = nil
}

func (g *Gateway) track(conn net.Conn) {
	g.connMu.Lock()
	g.conns[conn] = struct{}{}
	g.connMu.Unlock()
}

func (g *Gateway) untrack(conn net.Conn) {
	g.connMu.Lock()
	delete(g.conns, conn)
	g.connMu.Unlock()
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		pipeline.Heartbeat(g.state, "gateway", "tcp", time.Now())

		conn, err := g.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("gateway: accept failed: %v", err)
				return
			}
		}
		g.wg.Add(1)
		go g.handleConn(ctx, conn)
	}
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer g.wg.Done()
	defer conn.Close()

	g.track(conn)
	defer g.untrack(conn)

	id := xid.New()
	tcpConnectionsActive.Inc()
	defer tcpConnectionsActive.Dec()

	log.Infof("gateway: [%s] connection from %s", id, conn.RemoteAddr())

	magic := make([]byte, 2)
	lenByte := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := readFull(conn, magic); err != nil {
			log.Infof("gateway: [%s] disconnected: %v", id, err)
			return
		}
		if !bytes.Equal(magic, []byte("MI")) {
			tcpMalformedFramesTotal.Inc()
			log.Warnf("gateway: [%s] invalid MI magic: % x", id, magic)
			continue
		}

		if _, err := readFull(conn, lenByte); err != nil {
			log.Infof("gateway: [%s] disconnected mid-length: %v", id, err)
			return
		}
		length := lenByte[0]

		body := make([]byte, length)
		if _, err := readFull(conn, body); err != nil {
			log.Infof("gateway: [%s] disconnected mid-body: %v", id, err)
			return
		}

		receivedOn := g.clock()
		tcpFramesTotal.Inc()

		frame := Frame{
			Source:     "emulator",
			Length:     length,
			Body:       body,
			ReceivedOn: receivedOn,
			ConnID:     id,
		}

		select {
		case g.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) autodiscoveryLoop(ctx context.Context) {
	defer g.wg.Done()
	buf := make([]byte, 512)

	for {
		pipeline.Heartbeat(g.state, "gateway", "udp", time.Now())

		n, addr, err := g.udpLn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("gateway: UDP read failed: %v", err)
				return
			}
		}

		if string(bytes.TrimSpace(buf[:n])) != "MARCO" {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		respondTo := &net.UDPAddr{IP: udpAddr.IP, Port: g.cfg.AdRespondPort}

		if _, err := g.udpLn.WriteTo([]byte("POLO"), respondTo); err != nil {
			log.Warnf("gateway: failed to send POLO to %s: %v", respondTo, err)
			continue
		}
		udpMarcoTotal.Inc()
		log.Debugf("gateway: POLO sent to %s", respondTo)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

