// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import "errors"

// ErrMalformedFrame is returned when a Message's header cannot be
// tokenized (buffer too short) or a command's declared length runs past
// the end of the payload. Malformed frames are dropped by the caller, not
// retried.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrMalformedCommand is returned for a single command TLV that could not
// be parsed; the caller drops that command and continues with the rest of
// the payload.
var ErrMalformedCommand = errors.New("wire: malformed command")
