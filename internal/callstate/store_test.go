// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_callstate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	return NewStore(logger)
}

func mustCreate(t *testing.T, s Store, callID string) CallRecord {
	t.Helper()
	rec, err := s.Create(callID, DirectionOutbound, "+14155551234", "+14155550000", "book a table")
	require.NoError(t, err)
	return rec
}

// ============================================================================
// Create
// ============================================================================

func TestCreate_DuplicateCallID(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")

	_, err := s.Create("call-1", DirectionInbound, "+1", "+2", "")
	assert.Error(t, err, "duplicate callId must be rejected")
}

func TestCreate_InitialState(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, "call-1")

	assert.Equal(t, StatusCreated, rec.Status)
	assert.Equal(t, DirectionOutbound, rec.Direction)
	assert.Empty(t, rec.Transcript)
	assert.Nil(t, rec.Outcome)
	assert.False(t, rec.CreatedAt.IsZero())
}

// ============================================================================
// Status transitions
// ============================================================================

func TestUpdateStatus_ForwardGraph(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		want Status
	}{
		{"full path", []Status{StatusRinging, StatusInProgress, StatusCompleted}, StatusCompleted},
		{"skip ringing", []Status{StatusInProgress, StatusCompleted}, StatusCompleted},
		{"no answer from ringing", []Status{StatusRinging, StatusNoAnswer}, StatusNoAnswer},
		{"busy from created", []Status{StatusBusy}, StatusBusy},
		{"failed mid-call", []Status{StatusInProgress, StatusFailed}, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			mustCreate(t, s, "call-1")
			for _, status := range tt.path {
				require.NoError(t, s.UpdateStatus("call-1", status))
			}
			rec, err := s.Get("call-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestUpdateStatus_NeverRegressesFromTerminal(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy} {
		t.Run(string(terminal), func(t *testing.T) {
			s := newTestStore(t)
			mustCreate(t, s, "call-1")
			require.NoError(t, s.UpdateStatus("call-1", terminal))

			// Late and duplicate webhook deliveries are silently ignored.
			for _, late := range []Status{StatusRinging, StatusInProgress, StatusCreated, StatusCompleted, StatusFailed} {
				require.NoError(t, s.UpdateStatus("call-1", late))
			}

			rec, err := s.Get("call-1")
			require.NoError(t, err)
			assert.Equal(t, terminal, rec.Status, "terminal status must stick")
		})
	}
}

func TestUpdateStatus_BackwardEdgeIgnored(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")
	require.NoError(t, s.UpdateStatus("call-1", StatusInProgress))
	require.NoError(t, s.UpdateStatus("call-1", StatusRinging))

	rec, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status, "in-progress → ringing must not apply")
}

func TestUpdateStatus_UnknownCall(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.UpdateStatus("nope", StatusRinging))
}

// ============================================================================
// Outcome / AMD / transcript
// ============================================================================

func TestSetOutcome_FirstWins(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")

	require.NoError(t, s.SetOutcome("call-1", Outcome{Summary: "booked"}))
	err := s.SetOutcome("call-1", Outcome{Summary: "other"})
	assert.Error(t, err, "second outcome must be rejected as duplicate")

	rec, err := s.Get("call-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, "booked", rec.Outcome.Summary)
}

func TestSetAmdResult(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")

	require.NoError(t, s.SetAmdResult("call-1", AmdMachine))
	rec, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, AmdMachine, rec.AmdResult)
}

func TestAppendTranscript_ArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")

	require.NoError(t, s.AppendTranscript("call-1", "caller", "hello?"))
	require.NoError(t, s.AppendTranscript("call-1", "assistant", "hi, calling to confirm"))
	require.NoError(t, s.AppendTranscript("call-1", "caller", ""))

	rec, err := s.Get("call-1")
	require.NoError(t, err)
	require.Len(t, rec.Transcript, 2, "empty turns are dropped")
	assert.Equal(t, "caller", rec.Transcript[0].Speaker)
	assert.Equal(t, "assistant", rec.Transcript[1].Speaker)
	assert.False(t, rec.Transcript[0].Timestamp.IsZero())
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")
	require.NoError(t, s.AppendTranscript("call-1", "caller", "hello"))

	rec, err := s.Get("call-1")
	require.NoError(t, err)
	rec.Transcript[0].Text = "mutated"

	again, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Transcript[0].Text, "stored state must not be reachable through snapshots")
}

// ============================================================================
// Finalize
// ============================================================================

func TestFinalize_FiresHandlerOnce(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")
	require.NoError(t, s.UpdateStatus("call-1", StatusInProgress))

	var fired atomic.Int32
	s.RegisterCompletionHandler(func(ev CompletionEvent) {
		fired.Add(1)
		assert.Equal(t, "call-1", ev.CallID)
		assert.Equal(t, "+14155551234", ev.CounterpartNumber)
	})

	require.NoError(t, s.Finalize("call-1"))
	require.NoError(t, s.Finalize("call-1"))
	assert.Equal(t, int32(1), fired.Load())
}

func TestFinalize_ConcurrentTriggerPaths(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")

	var fired atomic.Int32
	s.RegisterCompletionHandler(func(CompletionEvent) { fired.Add(1) })

	// Simulate the bridge close path and the webhook path racing.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpdateStatus("call-1", StatusFailed)
			_ = s.Finalize("call-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load(), "completion handler must fire exactly once")
}

func TestFinalize_DefaultsToCompletedOrFailed(t *testing.T) {
	s := newTestStore(t)

	mustCreate(t, s, "ok")
	require.NoError(t, s.UpdateStatus("ok", StatusInProgress))
	require.NoError(t, s.Finalize("ok"))
	rec, _ := s.Get("ok")
	assert.Equal(t, StatusCompleted, rec.Status)

	mustCreate(t, s, "bad")
	require.NoError(t, s.SetError("bad", "model session dropped"))
	require.NoError(t, s.Finalize("bad"))
	rec, _ = s.Get("bad")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "model session dropped", rec.ErrorDetail)
}

func TestFinalize_PreservesExplicitTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "call-1")
	require.NoError(t, s.UpdateStatus("call-1", StatusNoAnswer))

	var got Status
	s.RegisterCompletionHandler(func(ev CompletionEvent) { got = ev.Status })
	require.NoError(t, s.Finalize("call-1"))
	assert.Equal(t, StatusNoAnswer, got)
}

// ============================================================================
// GetActive
// ============================================================================

func TestGetActive_ExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "live")
	mustCreate(t, s, "done")
	require.NoError(t, s.UpdateStatus("done", StatusCompleted))

	active := s.GetActive()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].CallID)
}
