// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_pendingctx

import (
	"fmt"
	"sync"
	"time"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Call purposes. The purpose tags what kind of persona/task the context
// carries; free-form details go in the validated Extensions map rather than
// an open-ended object.
type Purpose string

const (
	PurposeOutboundTask   Purpose = "outbound-task"
	PurposeInboundDefault Purpose = "inbound-default"
)

const maxExtensionValueLen = 2048

// PendingContext is the not-yet-attached persona/task for a call. Written
// when a call is initiated (outbound) or accepted (inbound), consumed exactly
// once when the matching media connection attaches.
type PendingContext struct {
	CallID       string
	Purpose      Purpose
	Instructions string
	Extensions   map[string]string
}

// Validate rejects malformed contexts before they enter the registry.
func (pc *PendingContext) Validate() error {
	if pc.CallID == "" {
		return fmt.Errorf("pending context requires a callId")
	}
	switch pc.Purpose {
	case PurposeOutboundTask, PurposeInboundDefault:
	default:
		return fmt.Errorf("unknown call purpose %q", pc.Purpose)
	}
	for k, v := range pc.Extensions {
		if k == "" {
			return fmt.Errorf("extension keys must be non-empty")
		}
		if len(v) > maxExtensionValueLen {
			return fmt.Errorf("extension %q exceeds %d bytes", k, maxExtensionValueLen)
		}
	}
	return nil
}

// Registry is the ephemeral callId → PendingContext map shared between the
// call-initiation path and the session router. Entries that are never
// consumed are evicted after the attach timeout so a media connection that
// never arrives cannot leak contexts.
type Registry struct {
	logger        commons.Logger
	attachTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	ctx   *PendingContext
	timer *time.Timer
}

// NewRegistry creates a registry with the given attach timeout.
func NewRegistry(logger commons.Logger, attachTimeout time.Duration) *Registry {
	return &Registry{
		logger:        logger,
		attachTimeout: attachTimeout,
		entries:       make(map[string]*pendingEntry),
	}
}

// Put stores a context under its callId, replacing any previous entry.
func (r *Registry) Put(pc *PendingContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[pc.CallID]; ok {
		old.timer.Stop()
	}

	callID := pc.CallID
	entry := &pendingEntry{ctx: pc}
	entry.timer = time.AfterFunc(r.attachTimeout, func() {
		r.evict(callID)
	})
	r.entries[callID] = entry
	return nil
}

// Take consumes the context for callId. Returns nil if no context is pending
// (late connection, crash-recovered process, or malformed identifier); the
// caller falls back to a default persona in that case.
func (r *Registry) Take(callID string) *PendingContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[callID]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(r.entries, callID)
	return entry.ctx
}

// Remove drops the context for callId without consuming it. Used on bridge
// close paths where the context may still be registered.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[callID]; ok {
		entry.timer.Stop()
		delete(r.entries, callID)
	}
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) evict(callID string) {
	r.mu.Lock()
	_, ok := r.entries[callID]
	if ok {
		delete(r.entries, callID)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Warnw("evicted stale pending context, media connection never attached",
			"callId", callID, "attachTimeout", r.attachTimeout)
	}
}
