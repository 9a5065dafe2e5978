// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"fmt"

	"github.com/solarmesh/daq/pkg/log"
)

// Command is a single decoded command TLV carried in a Message's payload.
type Command interface {
	// CmdID returns the command's 1-byte identifier.
	CmdID() byte
	// Encode returns the full TLV encoding (len|cmdId|body) of the command.
	Encode() []byte
	// Response builds the JSON-serializable view of the command used for
	// egress publishing.
	Response() map[string]any
}

// Decoder builds a Command from a command body (the bytes following
// cmdId in a TLV entry). hdr is the owning Message, available for
// commands whose decoding or response depends on header fields.
type Decoder func(hdr *Message, body []byte) (Command, error)

var registry = map[byte]Decoder{}

// Register associates cmdID with dec. Command implementations call this
// from an init() in their own file.
func Register(cmdID byte, dec Decoder) {
	registry[cmdID] = dec
}

// ParseCommands walks payload as a sequence of len|cmdId|body TLVs,
// decoding each into a Command. A cmdId with no registered Decoder
// produces a RawResponse rather than an error, so a gateway running
// ahead of newly added commands still forwards them intact. A TLV whose
// declared length walks past the end of the payload poisons the whole
// frame (there is no way to resynchronize), while a decoder rejecting a
// well-framed body drops only that command and continues with the
// remainder.
func ParseCommands(hdr *Message, payload []byte) ([]Command, error) {
	var cmds []Command

	i := 0
	for i < len(payload) {
		cmdLen := int(payload[i])
		if cmdLen < 1 {
			return nil, fmt.Errorf("%w: zero-length command at offset %d", ErrMalformedFrame, i)
		}
		if i+1+cmdLen > len(payload) {
			return nil, fmt.Errorf("%w: command at offset %d declares length %d past end of payload", ErrMalformedFrame, i, cmdLen)
		}

		cmdID := payload[i+1]
		body := payload[i+2 : i+1+cmdLen]

		dec, ok := registry[cmdID]
		if !ok {
			cmds = append(cmds, &RawResponse{Header: hdr, ID: cmdID, Raw: append([]byte(nil), body...)})
			i += 1 + cmdLen
			continue
		}

		cmd, err := dec(hdr, body)
		if err != nil {
			log.Warnf("wire: dropping command 0x%02X at offset %d: %v", cmdID, i, err)
			i += 1 + cmdLen
			continue
		}
		cmds = append(cmds, cmd)
		i += 1 + cmdLen
	}

	return cmds, nil
}
