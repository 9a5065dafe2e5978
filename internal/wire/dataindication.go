// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/solarmesh/daq/pkg/log"
)

// CmdDataIndication is the command ID carrying panel sample data.
const CmdDataIndication byte = 0xDD

func init() {
	Register(CmdDataIndication, decodeDataIndication)
}

// Sample is one 14-byte panel reading: a mesh-local timestamp and six
// electrical quantities, already unscaled from their hundredths
// fixed-point wire representation.
type Sample struct {
	Timestamp uint16
	Vi, Vo    float64
	Ii, Io    float64
	Pi, Po    float64
}

// DataIndication is cmdId 0xDD: an operational/register status pair
// followed by zero or more Samples.
type DataIndication struct {
	Header  *Message
	OpStat  uint16
	RegStat uint16
	Samples []Sample
}

func (d *DataIndication) CmdID() byte { return CmdDataIndication }

const sampleWireLen = 14

func decodeDataIndication(hdr *Message, body []byte) (Command, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: DataIndication body too short (%d bytes)", ErrMalformedCommand, len(body))
	}

	d := &DataIndication{
		Header:  hdr,
		OpStat:  binary.BigEndian.Uint16(body[0:2]),
		RegStat: binary.BigEndian.Uint16(body[2:4]),
	}

	rest := body[4:]
	n := len(rest) / sampleWireLen
	if rem := len(rest) % sampleWireLen; rem != 0 {
		log.Warnf("DataIndication: discarding trailing %d bytes, not a full sample", rem)
	}

	d.Samples = make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		chunk := rest[i*sampleWireLen : (i+1)*sampleWireLen]
		d.Samples = append(d.Samples, Sample{
			Timestamp: binary.BigEndian.Uint16(chunk[0:2]),
			Vi:        float64(int16(binary.BigEndian.Uint16(chunk[2:4]))) / 100.0,
			Vo:        float64(int16(binary.BigEndian.Uint16(chunk[4:6]))) / 100.0,
			Ii:        float64(int16(binary.BigEndian.Uint16(chunk[6:8]))) / 100.0,
			Io:        float64(int16(binary.BigEndian.Uint16(chunk[8:10]))) / 100.0,
			Pi:        float64(int16(binary.BigEndian.Uint16(chunk[10:12]))) / 100.0,
			Po:        float64(int16(binary.BigEndian.Uint16(chunk[12:14]))) / 100.0,
		})
	}

	return d, nil
}

// roundInt16 rounds v to the nearest integer and truncates it to int16 via
// Go's well-defined (wrapping) int32->int16 conversion. Used for the four
// fields the protocol does not saturate-clamp on encode.
func roundInt16(v float64) int16 {
	return int16(int32(math.Round(v)))
}

// safeInt16 rounds v and saturates it to the int16 range. Used only for
// Pi/Po, which the protocol clamps rather than wraps.
func safeInt16(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

func (d *DataIndication) Encode() []byte {
	body := make([]byte, 4, 4+len(d.Samples)*sampleWireLen)
	binary.BigEndian.PutUint16(body[0:2], d.OpStat)
	binary.BigEndian.PutUint16(body[2:4], d.RegStat)

	for _, s := range d.Samples {
		var chunk [sampleWireLen]byte
		binary.BigEndian.PutUint16(chunk[0:2], s.Timestamp)
		binary.BigEndian.PutUint16(chunk[2:4], uint16(roundInt16(s.Vi*100)))
		binary.BigEndian.PutUint16(chunk[4:6], uint16(roundInt16(s.Vo*100)))
		binary.BigEndian.PutUint16(chunk[6:8], uint16(roundInt16(s.Ii*100)))
		binary.BigEndian.PutUint16(chunk[8:10], uint16(roundInt16(s.Io*100)))
		binary.BigEndian.PutUint16(chunk[10:12], uint16(safeInt16(s.Pi*100)))
		binary.BigEndian.PutUint16(chunk[12:14], uint16(safeInt16(s.Po*100)))
		body = append(body, chunk[:]...)
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(1+len(body)), CmdDataIndication)
	out = append(out, body...)
	return out
}

func (d *DataIndication) Response() map[string]any {
	sorted := make([]Sample, len(d.Samples))
	copy(sorted, d.Samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	data := make([]map[string]any, len(sorted))
	for i, s := range sorted {
		data[i] = map[string]any{
			"timestamp": s.Timestamp,
			"Vi":        s.Vi,
			"Vo":        s.Vo,
			"Ii":        s.Ii,
			"Io":        s.Io,
			"Pi":        s.Pi,
			"Po":        s.Po,
		}
	}

	return map[string]any{
		"type":     "mon",
		"macaddr":  d.Header.Addr,
		"op_stat":  d.OpStat,
		"reg_stat": d.RegStat,
		"data":     data,
	}
}
