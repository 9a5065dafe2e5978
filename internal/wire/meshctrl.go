// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the mesh-header and command-TLV binary protocol
// carried inside MI frames: header tokenization, the command registry, and
// the DataIndication sample codec.
package wire

// MeshCtrl is the 1-byte control field at the start of every Message.
// Bit layout, high to low: ATYPE, SUPER, RREQ, FAIL, PRIOR, TBD1, version(2).
type MeshCtrl uint8

const (
	meshCtrlATYPE   MeshCtrl = 1 << 7
	meshCtrlSUPER   MeshCtrl = 1 << 6
	meshCtrlRREQ    MeshCtrl = 1 << 5
	meshCtrlFAIL    MeshCtrl = 1 << 4
	meshCtrlPRIOR   MeshCtrl = 1 << 3
	meshCtrlTBD1    MeshCtrl = 1 << 2
	meshCtrlVerMask MeshCtrl = 0x03
)

func (c MeshCtrl) ATYPE() bool { return c&meshCtrlATYPE != 0 }
func (c MeshCtrl) Super() bool { return c&meshCtrlSUPER != 0 }
func (c MeshCtrl) RREQ() bool  { return c&meshCtrlRREQ != 0 }
func (c MeshCtrl) Fail() bool  { return c&meshCtrlFAIL != 0 }
func (c MeshCtrl) Prior() bool { return c&meshCtrlPRIOR != 0 }
func (c MeshCtrl) TBD1() bool  { return c&meshCtrlTBD1 != 0 }
func (c MeshCtrl) Version() uint8 {
	return uint8(c & meshCtrlVerMask)
}

// ToInt returns the control byte as it was constructed, satisfying the
// round-trip invariant MeshCtrl(ctrl).ToInt() == ctrl for every ctrl in [0,255].
func (c MeshCtrl) ToInt() uint8 {
	return uint8(c)
}

func NewMeshCtrl(flags ...func(*MeshCtrl)) MeshCtrl {
	var c MeshCtrl
	for _, f := range flags {
		f(&c)
	}
	return c
}

func WithATYPE() func(*MeshCtrl) { return func(c *MeshCtrl) { *c |= meshCtrlATYPE } }
func WithSuper() func(*MeshCtrl) { return func(c *MeshCtrl) { *c |= meshCtrlSUPER } }
func WithRREQ() func(*MeshCtrl)  { return func(c *MeshCtrl) { *c |= meshCtrlRREQ } }
func WithFail() func(*MeshCtrl)  { return func(c *MeshCtrl) { *c |= meshCtrlFAIL } }
func WithPrior() func(*MeshCtrl) { return func(c *MeshCtrl) { *c |= meshCtrlPRIOR } }
func WithTBD1() func(*MeshCtrl)  { return func(c *MeshCtrl) { *c |= meshCtrlTBD1 } }
func WithVersion(v uint8) func(*MeshCtrl) {
	return func(c *MeshCtrl) { *c = (*c &^ meshCtrlVerMask) | MeshCtrl(v&0x03) }
}
