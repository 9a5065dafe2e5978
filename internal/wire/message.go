// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Dtype values for Message.DType (low nibble of the type byte).
const (
	DTypeRES uint8 = 0
	DTypeSPG uint8 = 1
	DTypePLM uint8 = 2
	DTypePLO uint8 = 3
	DTypeJXM uint8 = 4
)

// headerFieldLens is the fixed wire order/lengths of the mesh header:
// meshCtrl, addr, requestId, sourceHopcount, sourceQueueLength,
// hopcount, queueLength, typeByte, partsByte.
var headerFieldLens = [9]int{1, 8, 2, 1, 1, 1, 1, 1, 1}

func headerLen() int {
	n := 0
	for _, l := range headerFieldLens {
		n += l
	}
	return n
}

// Message is one mesh-network frame: a fixed header plus a list of
// command TLVs parsed from the trailing payload.
type Message struct {
	MeshCtrl          MeshCtrl
	Addr              string // hex string, big-endian/human order (wire order is reversed)
	RequestID         uint16
	SourceHopcount    uint8
	SourceQueueLength uint8
	Hopcount          uint8
	QueueLength       uint8
	reserved          uint8 // high nibble of the type byte
	DType             uint8 // low nibble of the type byte
	PartNum           uint8 // 1-indexed
	NumParts          uint8 // 1-indexed
	Payload           []byte
	Commands          []Command
	ReceivedOn        float64 // UTC epoch seconds, stamped by the gateway
}

// tokenize splits raw into the fixed-length header fields followed by the
// remaining bytes. Returns ErrMalformedFrame if raw is shorter than the
// fixed header.
func tokenize(raw []byte) ([][]byte, []byte, error) {
	if len(raw) < headerLen() {
		return nil, nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformedFrame, headerLen(), len(raw))
	}

	tokens := make([][]byte, len(headerFieldLens))
	i := 0
	for idx, l := range headerFieldLens {
		tokens[idx] = raw[i : i+l]
		i += l
	}
	return tokens, raw[i:], nil
}

// reverseBytes returns a copy of b with byte order reversed.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// DecodeMessage parses the MI-frame body (the bytes following
// "MI"|length) into a Message: the fixed header is tokenized, then the
// trailing payload is walked as length-prefixed command TLVs.
func DecodeMessage(raw []byte, receivedOn float64) (*Message, error) {
	tokens, payload, err := tokenize(raw)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		MeshCtrl:          MeshCtrl(tokens[0][0]),
		Addr:              hex.EncodeToString(reverseBytes(tokens[1])),
		RequestID:         binary.BigEndian.Uint16(tokens[2]),
		SourceHopcount:    tokens[3][0],
		SourceQueueLength: tokens[4][0],
		Hopcount:          tokens[5][0],
		QueueLength:       tokens[6][0],
		ReceivedOn:        receivedOn,
	}

	typeByte := tokens[7][0]
	msg.reserved = typeByte >> 4
	msg.DType = typeByte & 0x0F

	partsByte := tokens[8][0]
	msg.PartNum = (partsByte >> 4) + 1
	msg.NumParts = (partsByte & 0x0F) + 1

	msg.Payload = payload

	cmds, err := ParseCommands(msg, payload)
	if err != nil {
		return nil, err
	}
	msg.Commands = cmds

	return msg, nil
}

// EncodeMessage serializes msg back to wire bytes: the fixed header
// followed by each command's TLV encoding, in the order given.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.PartNum < 1 || msg.PartNum > 16 || msg.NumParts < 1 || msg.NumParts > 16 || msg.PartNum > msg.NumParts {
		return nil, fmt.Errorf("%w: partnum/numparts out of range (%d/%d)", ErrMalformedFrame, msg.PartNum, msg.NumParts)
	}

	addrRaw, err := hex.DecodeString(msg.Addr)
	if err != nil || len(addrRaw) != 8 {
		return nil, fmt.Errorf("%w: invalid addr %q", ErrMalformedFrame, msg.Addr)
	}

	out := make([]byte, 0, headerLen())
	out = append(out, msg.MeshCtrl.ToInt())
	out = append(out, reverseBytes(addrRaw)...)

	reqID := make([]byte, 2)
	binary.BigEndian.PutUint16(reqID, msg.RequestID)
	out = append(out, reqID...)

	out = append(out, msg.SourceHopcount, msg.SourceQueueLength, msg.Hopcount, msg.QueueLength)
	out = append(out, (msg.reserved<<4)|(msg.DType&0x0F))
	out = append(out, ((msg.PartNum-1)<<4)|((msg.NumParts-1)&0x0F))

	for _, cmd := range msg.Commands {
		out = append(out, cmd.Encode()...)
	}

	return out, nil
}

// AddCommand appends cmd to msg.Commands.
func (m *Message) AddCommand(cmd Command) {
	m.Commands = append(m.Commands, cmd)
}
