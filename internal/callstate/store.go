// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_callstate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Store is the process-wide registry of call records. All writers go through
// this API; records are never handed out for direct mutation.
//
// Records for unrelated call identifiers never serialize on a shared lock:
// the registry map is guarded by a read-write mutex held only for lookup,
// and each record carries its own mutex plus an atomic finalized flag.
type Store interface {
	// Create registers a new call record. CallID must be unique for the
	// process lifetime.
	Create(callID string, direction Direction, counterpart, origin, taskDescriptor string) (CallRecord, error)

	// SetProviderID records the carrier-assigned call identifier, set once
	// the provider confirms the call.
	SetProviderID(callID, providerID string) error

	// UpdateStatus applies a lifecycle transition. Transitions out of a
	// terminal status are silently ignored: late or duplicate webhook
	// deliveries on an already-terminal call are expected and harmless.
	UpdateStatus(callID string, status Status) error

	// SetAmdResult records the provider's answered-by classification.
	SetAmdResult(callID string, result AmdResult) error

	// AppendTranscript appends one completed spoken turn, in arrival order.
	AppendTranscript(callID, speaker, text string) error

	// SetOutcome records the model-reported outcome. First caller wins;
	// later calls return an error so the duplicate can be reported back to
	// the model as a tool failure.
	SetOutcome(callID string, outcome Outcome) error

	// SetError populates the record's error detail.
	SetError(callID, message string) error

	// Finalize moves the record to a terminal status if it is not in one
	// already, and fires the registered completion handler. Idempotent:
	// first caller wins, later callers are no-ops. Safe to invoke
	// concurrently from independent termination paths.
	Finalize(callID string) error

	// Get returns a snapshot of the record.
	Get(callID string) (CallRecord, error)

	// GetActive returns snapshots of all records not in a terminal status.
	GetActive() []CallRecord

	// RegisterCompletionHandler sets the handler invoked by Finalize.
	RegisterCompletionHandler(fn CompletionHandler)
}

type callEntry struct {
	mu        sync.Mutex
	record    CallRecord
	finalized atomic.Bool
}

type memoryStore struct {
	logger commons.Logger

	mu      sync.RWMutex
	entries map[string]*callEntry

	handlerMu sync.RWMutex
	handler   CompletionHandler

	clock func() time.Time
}

// NewStore creates an in-memory call state store.
func NewStore(logger commons.Logger) Store {
	return &memoryStore{
		logger:  logger,
		entries: make(map[string]*callEntry),
		clock:   time.Now,
	}
}

func (s *memoryStore) Create(callID string, direction Direction, counterpart, origin, taskDescriptor string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[callID]; exists {
		return CallRecord{}, fmt.Errorf("call record %s already exists", callID)
	}

	now := s.clock()
	entry := &callEntry{
		record: CallRecord{
			CallID:            callID,
			Direction:         direction,
			CounterpartNumber: counterpart,
			OriginNumber:      origin,
			TaskDescriptor:    taskDescriptor,
			Status:            StatusCreated,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
	}
	s.entries[callID] = entry

	s.logger.Infow("created call record",
		"callId", callID,
		"direction", direction,
		"counterpart", counterpart,
	)
	return entry.record, nil
}

func (s *memoryStore) lookup(callID string) (*callEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[callID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call record not found: %s", callID)
	}
	return entry, nil
}

func (s *memoryStore) SetProviderID(callID, providerID string) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.record.ProviderCallID = providerID
	entry.record.UpdatedAt = s.clock()
	return nil
}

// allowedTransitions is the forward edge set of the status graph. Terminal
// statuses have no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusCreated:    {StatusRinging, StatusInProgress, StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusRinging:    {StatusInProgress, StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *memoryStore) UpdateStatus(callID string, status Status) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.record.Status
	if current == status {
		return nil
	}
	if current.IsTerminal() {
		s.logger.Debugw("ignoring status update on terminal call",
			"callId", callID, "current", current, "requested", status)
		return nil
	}
	if !transitionAllowed(current, status) {
		s.logger.Warnw("ignoring disallowed status transition",
			"callId", callID, "current", current, "requested", status)
		return nil
	}

	entry.record.Status = status
	entry.record.UpdatedAt = s.clock()
	if status == StatusInProgress && entry.record.AnsweredAt.IsZero() {
		entry.record.AnsweredAt = entry.record.UpdatedAt
	}

	s.logger.Infow("call status updated", "callId", callID, "status", status)
	return nil
}

func (s *memoryStore) SetAmdResult(callID string, result AmdResult) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.record.AmdResult = result
	entry.record.UpdatedAt = s.clock()
	s.logger.Infow("answered-by classification", "callId", callID, "result", result)
	return nil
}

func (s *memoryStore) AppendTranscript(callID, speaker, text string) error {
	if text == "" {
		return nil
	}
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.record.Transcript = append(entry.record.Transcript, TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.clock(),
	})
	entry.record.UpdatedAt = s.clock()
	return nil
}

func (s *memoryStore) SetOutcome(callID string, outcome Outcome) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.record.Outcome != nil {
		return fmt.Errorf("outcome already set for call %s", callID)
	}
	entry.record.Outcome = &outcome
	entry.record.UpdatedAt = s.clock()
	s.logger.Infow("call outcome recorded", "callId", callID, "summary", outcome.Summary)
	return nil
}

func (s *memoryStore) SetError(callID, message string) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.record.ErrorDetail = message
	entry.record.UpdatedAt = s.clock()
	return nil
}

func (s *memoryStore) Finalize(callID string) error {
	entry, err := s.lookup(callID)
	if err != nil {
		return err
	}

	// The atomic guard decides the winner; correctness does not depend on
	// which termination path gets here first.
	if !entry.finalized.CompareAndSwap(false, true) {
		return nil
	}

	entry.mu.Lock()
	if !entry.record.Status.IsTerminal() {
		if entry.record.ErrorDetail != "" {
			entry.record.Status = StatusFailed
		} else {
			entry.record.Status = StatusCompleted
		}
	}
	entry.record.UpdatedAt = s.clock()

	anchor := entry.record.AnsweredAt
	if anchor.IsZero() {
		anchor = entry.record.CreatedAt
	}
	duration := int(s.clock().Sub(anchor).Seconds())
	if duration < 0 {
		duration = 0
	}

	event := CompletionEvent{
		CallID:            entry.record.CallID,
		CounterpartNumber: entry.record.CounterpartNumber,
		Status:            entry.record.Status,
		DurationSeconds:   duration,
		Outcome:           entry.record.Outcome,
		Transcript:        append([]TranscriptEntry(nil), entry.record.Transcript...),
	}
	entry.mu.Unlock()

	s.logger.Infow("call finalized",
		"callId", callID,
		"status", event.Status,
		"durationSeconds", event.DurationSeconds,
	)

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(event)
	}
	return nil
}

func (s *memoryStore) Get(callID string) (CallRecord, error) {
	entry, err := s.lookup(callID)
	if err != nil {
		return CallRecord{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshot(&entry.record), nil
}

func (s *memoryStore) GetActive() []CallRecord {
	s.mu.RLock()
	entries := make([]*callEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	active := make([]CallRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.record.Status.IsTerminal() {
			active = append(active, snapshot(&e.record))
		}
		e.mu.Unlock()
	}
	return active
}

func (s *memoryStore) RegisterCompletionHandler(fn CompletionHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

// snapshot copies the record with an independent transcript slice so callers
// can never mutate stored state.
func snapshot(r *CallRecord) CallRecord {
	out := *r
	out.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	if r.Outcome != nil {
		o := *r.Outcome
		out.Outcome = &o
	}
	return out
}
