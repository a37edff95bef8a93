// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_bridge

import "fmt"

// Leg names used in fault reporting.
const (
	LegTelephony = "telephony"
	LegModel     = "model"
)

// TransportError is an abrupt socket failure on one leg. It terminates the
// bridge; the record is finalized with an error detail.
type TransportError struct {
	Leg string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s leg: %v", e.Leg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or contract-violating frame on one leg. It
// terminates the bridge; the record is finalized with an error detail.
type ProtocolError struct {
	Leg string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation on %s leg: %v", e.Leg, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
