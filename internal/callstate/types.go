// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_callstate

import (
	"time"
)

// Call lifecycle statuses. Transitions are monotonic:
// created → ringing → in-progress → {completed, failed, no-answer, busy}.
// created → in-progress directly is permitted because provider webhooks can
// deliver "in-progress" before "ringing".
type Status string

const (
	StatusCreated    Status = "created"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no-answer"
	StatusBusy       Status = "busy"
)

// IsTerminal reports whether the status ends the call lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}

// Call direction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Answering-machine-detection result, as classified by the provider.
type AmdResult string

const (
	AmdHuman   AmdResult = "human"
	AmdMachine AmdResult = "machine"
	AmdUnknown AmdResult = "unknown"
)

// TranscriptEntry is one completed spoken turn. Entries are appended in
// arrival order with a capture-time timestamp; arrival order across the two
// legs is not guaranteed to be true utterance order, so consumers that need
// conversational order should sort on Timestamp.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"` // "caller" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the model-reported result of the call. Set at most once.
type Outcome struct {
	Summary string            `json:"summary"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// CallRecord is the process-lifetime record of a single call. CallID and
// Direction are immutable after creation; everything else mutates only
// through the Store API.
type CallRecord struct {
	CallID            string            `json:"callId"`
	Direction         Direction         `json:"direction"`
	CounterpartNumber string            `json:"counterpartNumber"`
	OriginNumber      string            `json:"originNumber"`
	TaskDescriptor    string            `json:"taskDescriptor"`
	Status            Status            `json:"status"`
	ProviderCallID    string            `json:"providerCallId,omitempty"`
	AmdResult         AmdResult         `json:"amdResult,omitempty"`
	Transcript        []TranscriptEntry `json:"transcript"`
	Outcome           *Outcome          `json:"outcome,omitempty"`
	ErrorDetail       string            `json:"errorDetail,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`

	// AnsweredAt is set on the first transition to in-progress and anchors
	// the duration reported in the completion event.
	AnsweredAt time.Time `json:"answeredAt,omitempty"`
}

// CompletionEvent is emitted exactly once per call when the record is
// finalized.
type CompletionEvent struct {
	CallID            string            `json:"callId"`
	CounterpartNumber string            `json:"counterpartNumber"`
	Status            Status            `json:"status"`
	DurationSeconds   int               `json:"durationSeconds"`
	Outcome           *Outcome          `json:"outcome,omitempty"`
	Transcript        []TranscriptEntry `json:"transcript"`
}

// CompletionHandler consumes completion events. Invoked synchronously from
// Finalize, at most once per callId.
type CompletionHandler func(CompletionEvent)
