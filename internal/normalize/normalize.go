// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package normalize converts DataIndication responses into the
// normalized sample records that flow through the rest of the pipeline,
// stamping each with a freeze time derived from a fixed daily sunrise.
package normalize

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solarmesh/daq/pkg/log"
)

var sampleOutOfRangeTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mesh_sample_out_of_range_total",
	Help: "Samples whose electrical values fell outside the expected sanity range.",
})

// Sanity bounds for monitor electrical values. Out-of-range samples are
// logged and counted, never dropped: decode stays lossless.
const (
	currentMin = -2.0
	currentMax = 15.0
	voltageMin = -10.0
	voltageMax = 1000.0
)

// Record is the normalized sample record: the pipeline's unit of
// currency from here through egress.
type Record struct {
	Type       string
	MACAddr    string
	Freezetime time.Time
	Localtime  time.Time
	RegStat    uint16
	OpStat     uint16
	Vi, Vo     float64
	Ii, Io     float64
	Pi, Po     float64
}

// Response is the shape a DataIndication's Response() produces; kept
// narrow here so this package doesn't import the wire package for
// anything but this conversion boundary.
type Response struct {
	Type    string
	MACAddr string
	OpStat  uint16
	RegStat uint16
	Data    []ResponseSample
}

// ResponseSample mirrors one entry of Response.Data.
type ResponseSample struct {
	Timestamp  uint16
	Vi, Vo     float64
	Ii, Io     float64
	Pi, Po     float64
}

// Normalizer computes freeze times relative to a fixed sunrise and keeps
// a most-recent-record cache per record Type for introspection.
type Normalizer struct {
	clock    clockwork.Clock
	sunrise  time.Time
	lastSeen *ristretto.Cache
}

// New builds a Normalizer whose sunrise is 06:00 UTC of clock's current
// day, computed once at construction. Geographic sunrise would be more
// accurate; the fixed 06:00 base is the contract every deployed monitor
// already encodes against.
func New(clock clockwork.Clock) (*Normalizer, error) {
	now := clock.Now().UTC()
	sunrise := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, time.UTC)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Normalizer{clock: clock, sunrise: sunrise, lastSeen: cache}, nil
}

// FromSecondsSinceSunrise returns the freeze time for a sample's
// mesh-local timestamp offset.
func (n *Normalizer) FromSecondsSinceSunrise(seconds uint16) time.Time {
	return n.sunrise.Add(time.Duration(seconds) * time.Second)
}

// ToSecondsSinceSunrise inverts FromSecondsSinceSunrise. The clamp is
// intentionally one-sided: values above 0xFFFE saturate, while a
// negative offset (dt precedes today's sunrise) passes through and is
// logged rather than clamped away.
func (n *Normalizer) ToSecondsSinceSunrise(dt time.Time) int {
	seconds := int(dt.Sub(n.sunrise).Seconds())
	if seconds < 0 {
		log.Warnf("normalize: negative seconds-since-sunrise offset (%d) for %s", seconds, dt)
	}
	if seconds > 0xFFFE {
		return 0xFFFE
	}
	return seconds
}

// HandleDataReport converts one DataIndication response into normalized
// Records. The regStat/opStat presence guard lives at the response
// conversion boundary (ingress.ResponseToNormalizeResponse); by the time
// a Response reaches here its status words are known to exist.
func (n *Normalizer) HandleDataReport(resp Response) ([]Record, bool) {
	records := make([]Record, 0, len(resp.Data))

	for _, s := range resp.Data {
		n.checkRange(resp.MACAddr, s)

		rec := Record{
			Type:       resp.Type,
			MACAddr:    resp.MACAddr,
			Freezetime: n.FromSecondsSinceSunrise(s.Timestamp),
			Localtime:  n.clock.Now().UTC(),
			RegStat:    resp.RegStat,
			OpStat:     resp.OpStat,
			Vi:         s.Vi,
			Vo:         s.Vo,
			Ii:         s.Ii,
			Io:         s.Io,
			Pi:         s.Pi,
			Po:         s.Po,
		}
		records = append(records, rec)
		n.lastSeen.Set(rec.Type, rec, 1)
	}

	return records, true
}

func (n *Normalizer) checkRange(macaddr string, s ResponseSample) {
	inRange := s.Vi >= voltageMin && s.Vi <= voltageMax &&
		s.Vo >= voltageMin && s.Vo <= voltageMax &&
		s.Ii >= currentMin && s.Ii <= currentMax &&
		s.Io >= currentMin && s.Io <= currentMax
	if !inRange {
		sampleOutOfRangeTotal.Inc()
		log.Warnf("normalize: sample from %s out of sanity range: Vi=%.2f Vo=%.2f Ii=%.2f Io=%.2f", macaddr, s.Vi, s.Vo, s.Ii, s.Io)
	}
}

// LastRecord returns the most recently seen Record for the given type,
// for the admin introspection surface.
func (n *Normalizer) LastRecord(recordType string) (Record, bool) {
	v, ok := n.lastSeen.Get(recordType)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}
