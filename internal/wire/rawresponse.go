// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import "encoding/hex"

// RawResponse carries a command TLV whose cmdId has no registered
// Decoder. It passes the body through unmodified so the pipeline can
// still forward and publish commands it doesn't understand yet.
type RawResponse struct {
	Header *Message
	ID     byte
	Raw    []byte
}

func (r *RawResponse) CmdID() byte { return r.ID }

func (r *RawResponse) Encode() []byte {
	out := make([]byte, 0, 2+len(r.Raw))
	out = append(out, byte(1+len(r.Raw)), r.ID)
	out = append(out, r.Raw...)
	return out
}

func (r *RawResponse) Response() map[string]any {
	return map[string]any{
		"status":              !r.Header.MeshCtrl.Fail(),
		"macaddr":             r.Header.Addr,
		"source_hopcount":     r.Header.SourceHopcount,
		"source_queue_length": r.Header.SourceQueueLength,
		"raw":                 hex.EncodeToString(r.Raw),
	}
}
