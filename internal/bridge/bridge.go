// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	internal_recorder "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/audio/recorder"
	internal_callstate "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/callstate"
	internal_realtime "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/realtime"
	internal_twilio_telephony "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/telephony/twilio"
	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Transcript speaker labels.
const (
	speakerCaller    = "caller"
	speakerAssistant = "assistant"
)

// greetingPrompt is the synthetic user turn injected when the far end stays
// silent past the greeting fallback window. The model never speaks first on
// its own; this nudge is the only exception path.
const greetingPrompt = "The line is connected but the other party has not said anything yet. " +
	"Greet them briefly and state why you are on the call."

// machineAnswerPrompt is injected when the provider classifies the answer
// as a machine, so the model leaves a voicemail instead of waiting for a
// conversation that will never start.
const machineAnswerPrompt = "An answering machine or voicemail system picked up this call. " +
	"Wait for the beep, leave one concise message covering why you called, then end the call."

// ModelSession is the model-side leg as the bridge sees it. Implemented by
// realtime.Session; tests substitute a fake.
type ModelSession interface {
	UpdateSession(cfg internal_realtime.SessionConfig) error
	AppendAudio(payload string) error
	CreateResponse() error
	CancelResponse() error
	TruncateItem(itemID string, audioEndMs int) error
	CreateUserMessage(text string) error
	SubmitToolOutput(callID, output string) error
	Read() (*internal_realtime.ServerEvent, error)
	Close() error
}

// Config tunes one bridge instance.
type Config struct {
	Voice            string
	VAD              internal_realtime.VADConfig
	IdleTimeout      time.Duration
	GreetingFallback time.Duration

	// DebugLogFrames enables per-frame debug logging. Very noisy.
	DebugLogFrames bool

	// DebugAudioDir, when set, receives one WAV per leg after the call.
	DebugAudioDir string
}

// Bridge relays audio between the telephony media stream and the model
// session for a single call, applying the turn-taking and barge-in rules.
type Bridge struct {
	logger commons.Logger
	cfg    Config
	store  internal_callstate.Store
	media  internal_twilio_telephony.MediaStream
	model  ModelSession

	callID       string
	instructions string

	control  internal_twilio_telephony.Originator
	recorder *internal_recorder.Recorder
	onClose  func(callID string)

	// mu guards the playback bookkeeping below. Never held across a
	// network write.
	mu             sync.Mutex
	streamSID      string
	providerCallID string
	currentItemID  string
	segmentBytes   int       // µ-law bytes relayed for the current item
	segmentStart   time.Time // when the current item's first delta arrived
	unflushed      bool
	pendingMarks   int
	markSeq        int
	speechStopped  time.Time
	awaitingReply  bool

	activitySeen atomic.Bool
	lastFrame    atomic.Int64 // unix nanos of the last frame on either leg

	greetingTimer *time.Timer // guarded by mu

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc

	// clock is injectable for testing.
	clock func() time.Time
}

// Option configures optional bridge collaborators.
type Option func(*Bridge)

// WithControl attaches a call-control client used to hang up the provider
// leg on shutdown.
func WithControl(control internal_twilio_telephony.Originator) Option {
	return func(b *Bridge) { b.control = control }
}

// WithRecorder attaches a debug audio recorder.
func WithRecorder(rec *internal_recorder.Recorder) Option {
	return func(b *Bridge) { b.recorder = rec }
}

// WithOnClose registers a callback fired exactly once when the bridge shuts
// down, after the record is finalized.
func WithOnClose(fn func(callID string)) Option {
	return func(b *Bridge) { b.onClose = fn }
}

// New assembles a bridge for one call. Run must be called to start it.
func New(
	logger commons.Logger,
	cfg Config,
	store internal_callstate.Store,
	media internal_twilio_telephony.MediaStream,
	model ModelSession,
	callID string,
	instructions string,
	opts ...Option,
) *Bridge {
	b := &Bridge{
		logger:       logger,
		cfg:          cfg,
		store:        store,
		media:        media,
		model:        model,
		callID:       callID,
		instructions: instructions,
		closed:       make(chan struct{}),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run configures the model session and pumps both legs until the call ends.
// It blocks until shutdown and always leaves the call record finalized.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	if err := b.model.UpdateSession(internal_realtime.SessionConfig{
		Instructions: b.instructions,
		Voice:        b.cfg.Voice,
		VAD:          b.cfg.VAD,
		Tools:        toolSchemas(),
	}); err != nil {
		b.Shutdown("session configuration failed", &TransportError{Leg: LegModel, Err: err})
		return err
	}

	// Listen-first: no response is requested here. The model speaks only
	// after the far end does, or after the greeting fallback below fires.
	b.touch()
	if b.cfg.GreetingFallback > 0 {
		b.mu.Lock()
		b.greetingTimer = time.AfterFunc(b.cfg.GreetingFallback, b.greetingFallback)
		b.mu.Unlock()
	}
	if b.recorder != nil {
		b.recorder.Start()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return b.telephonyLoop(ctx) })
	group.Go(func() error { return b.modelLoop(ctx) })
	group.Go(func() error { return b.idleWatchdog(ctx) })

	err := group.Wait()
	b.Shutdown("bridge loops finished", nil)
	return err
}

// Shutdown tears the bridge down exactly once: both sockets are closed, the
// provider leg is hung up, debug audio is persisted, and the call record is
// finalized. Safe to call from any goroutine, including webhook handlers.
func (b *Bridge) Shutdown(reason string, cause error) {
	b.closeOnce.Do(func() {
		b.logger.Infow("bridge shutdown", "callId", b.callID, "reason", reason, "cause", cause)

		if cause != nil {
			if err := b.store.SetError(b.callID, cause.Error()); err != nil {
				b.logger.Warnw("failed to record call error", "callId", b.callID, "error", err)
			}
		}
		b.mu.Lock()
		if b.greetingTimer != nil {
			b.greetingTimer.Stop()
		}
		providerCallID := b.providerCallID
		b.mu.Unlock()

		if b.control != nil && providerCallID != "" {
			hangupCtx, hangupCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.control.Hangup(hangupCtx, providerCallID); err != nil {
				b.logger.Warnw("provider hangup failed", "callId", b.callID, "error", err)
			}
			hangupCancel()
		}

		_ = b.model.Close()
		_ = b.media.Close()
		if b.cancel != nil {
			b.cancel()
		}

		b.persistDebugAudio()

		if err := b.store.Finalize(b.callID); err != nil {
			b.logger.Warnw("failed to finalize call record", "callId", b.callID, "error", err)
		}
		if b.onClose != nil {
			b.onClose(b.callID)
		}
		close(b.closed)
	})
}

// Done is closed once shutdown has completed.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

func (b *Bridge) touch() {
	b.lastFrame.Store(time.Now().UnixNano())
}

// markActivity records that real conversation happened, disarming the
// greeting fallback.
func (b *Bridge) markActivity() {
	b.activitySeen.Store(true)
}

func (b *Bridge) greetingFallback() {
	if b.activitySeen.Load() {
		return
	}
	b.logger.Infow("greeting fallback fired", "callId", b.callID)
	if err := b.model.CreateUserMessage(greetingPrompt); err != nil {
		b.logger.Warnw("greeting fallback send failed", "callId", b.callID, "error", err)
	}
}

// NotifyMachineAnswer adapts the session to a machine-answered call. Called
// from the status-webhook path when the provider's async classification
// lands.
func (b *Bridge) NotifyMachineAnswer() {
	b.markActivity()
	b.logger.Infow("machine answer detected", "callId", b.callID)
	if err := b.model.CreateUserMessage(machineAnswerPrompt); err != nil {
		b.logger.Warnw("machine answer prompt failed", "callId", b.callID, "error", err)
	}
}

func (b *Bridge) idleWatchdog(ctx context.Context) error {
	if b.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := b.cfg.IdleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, b.lastFrame.Load())
			if time.Since(last) > b.cfg.IdleTimeout {
				b.logger.Infow("idle timeout reached", "callId", b.callID, "timeout", b.cfg.IdleTimeout)
				b.Shutdown("idle timeout", nil)
				return nil
			}
		}
	}
}

// telephonyLoop pumps the provider-side media stream: caller audio to the
// model, stream lifecycle into the call record.
func (b *Bridge) telephonyLoop(ctx context.Context) error {
	for {
		msg, err := b.media.Read()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			fault := classifyTelephonyFault(err)
			b.Shutdown("telephony leg failed", fault)
			return fault
		}
		b.touch()

		switch msg.Event {
		case internal_twilio_telephony.EventConnected:
			b.logger.Debugw("media stream connected", "callId", b.callID)

		case internal_twilio_telephony.EventStart:
			if msg.Start == nil {
				fault := &ProtocolError{Leg: LegTelephony, Err: fmt.Errorf("start frame without payload")}
				b.Shutdown("telephony leg failed", fault)
				return fault
			}
			b.handleStreamStart(msg.Start)

		case internal_twilio_telephony.EventMedia:
			if msg.Media == nil {
				continue
			}
			b.handleCallerAudio(msg.Media.Payload)

		case internal_twilio_telephony.EventMark:
			if msg.Mark != nil {
				b.handleMark(msg.Mark.Name)
			}

		case internal_twilio_telephony.EventDTMF:
			b.logger.Debugw("inbound dtmf ignored", "callId", b.callID)

		case internal_twilio_telephony.EventStop:
			b.logger.Infow("media stream stopped", "callId", b.callID)
			b.Shutdown("telephony stream stopped", nil)
			return nil

		default:
			// Unknown envelope events are tolerated; the provider adds
			// event types over time.
			b.logger.Debugw("unhandled media stream event", "callId", b.callID, "event", msg.Event)
		}
	}
}

func (b *Bridge) handleStreamStart(start *internal_twilio_telephony.StartPayload) {
	b.mu.Lock()
	b.streamSID = start.StreamSID
	b.providerCallID = start.CallSID
	b.mu.Unlock()

	b.logger.Infow("media stream started",
		"callId", b.callID,
		"streamSid", start.StreamSID,
		"providerCallId", start.CallSID,
	)

	if start.CallSID != "" {
		if err := b.store.SetProviderID(b.callID, start.CallSID); err != nil {
			b.logger.Warnw("failed to set provider call id", "callId", b.callID, "error", err)
		}
	}
	if err := b.store.UpdateStatus(b.callID, internal_callstate.StatusInProgress); err != nil {
		b.logger.Warnw("failed to mark call in progress", "callId", b.callID, "error", err)
	}
}

func (b *Bridge) handleCallerAudio(payload string) {
	if b.cfg.DebugLogFrames {
		b.logger.Debugw("caller audio frame", "callId", b.callID, "bytes", b64DecodedLen(payload))
	}
	if b.recorder != nil {
		if raw, err := base64.StdEncoding.DecodeString(payload); err == nil {
			b.recorder.Record(raw, internal_recorder.TrackCaller)
		}
	}
	if err := b.model.AppendAudio(payload); err != nil {
		b.Shutdown("model leg failed", &TransportError{Leg: LegModel, Err: err})
	}
}

// handleMark consumes a playback-marker echo. Once every outstanding marker
// has come back, all relayed model audio has been played out and there is
// nothing left to truncate on barge-in.
func (b *Bridge) handleMark(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingMarks > 0 {
		b.pendingMarks--
	}
	if b.pendingMarks == 0 {
		b.unflushed = false
	}
	if b.cfg.DebugLogFrames {
		b.logger.Debugw("mark echoed", "callId", b.callID, "name", name, "pending", b.pendingMarks)
	}
}

// modelLoop pumps the model session: response audio to the caller,
// transcripts into the record, tool calls to the dispatcher.
func (b *Bridge) modelLoop(ctx context.Context) error {
	for {
		ev, err := b.model.Read()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			fault := classifyModelFault(err)
			b.Shutdown("model leg failed", fault)
			return fault
		}
		b.touch()

		switch ev.Type {
		case internal_realtime.EventSessionCreated, internal_realtime.EventSessionUpdated:
			b.logger.Debugw("model session event", "callId", b.callID, "type", ev.Type)

		case internal_realtime.EventSpeechStarted:
			b.markActivity()
			b.handleBargeIn()

		case internal_realtime.EventSpeechStopped:
			b.mu.Lock()
			b.speechStopped = time.Now()
			b.awaitingReply = true
			b.mu.Unlock()

		case internal_realtime.EventAudioDelta:
			b.markActivity()
			b.handleModelAudio(ev)

		case internal_realtime.EventAudioDone:
			if b.cfg.DebugLogFrames {
				b.logger.Debugw("model audio done", "callId", b.callID, "itemId", ev.ItemID)
			}

		case internal_realtime.EventAudioTranscriptDone:
			b.appendTranscript(speakerAssistant, ev.Transcript)

		case internal_realtime.EventInputTranscriptDone:
			b.markActivity()
			b.appendTranscript(speakerCaller, ev.Transcript)

		case internal_realtime.EventFunctionCallDone:
			b.dispatchTool(ev)

		case internal_realtime.EventError:
			// Provider error events are in-protocol and usually
			// recoverable (e.g. cancel with nothing in flight).
			b.logger.Warnw("model session reported error",
				"callId", b.callID, "detail", ev.Error)

		default:
			if b.cfg.DebugLogFrames {
				b.logger.Debugw("unhandled model event", "callId", b.callID, "type", ev.Type)
			}
		}
	}
}

// handleModelAudio relays one response audio chunk to the caller and queues
// a playback marker behind it.
func (b *Bridge) handleModelAudio(ev *internal_realtime.ServerEvent) {
	b.mu.Lock()
	streamSID := b.streamSID
	if ev.ItemID != "" && ev.ItemID != b.currentItemID {
		b.currentItemID = ev.ItemID
		b.segmentBytes = 0
		b.segmentStart = b.clock()
	}
	b.segmentBytes += b64DecodedLen(ev.Delta)
	b.unflushed = true
	b.markSeq++
	b.pendingMarks++
	markName := fmt.Sprintf("seg-%d", b.markSeq)
	var latency time.Duration
	if b.awaitingReply {
		latency = time.Since(b.speechStopped)
		b.awaitingReply = false
	}
	b.mu.Unlock()

	if latency > 0 {
		b.logger.Benchmark("bridge.reply_latency", latency)
	}
	if b.recorder != nil {
		if raw, err := base64.StdEncoding.DecodeString(ev.Delta); err == nil {
			b.recorder.Record(raw, internal_recorder.TrackModel)
		}
	}

	if streamSID == "" {
		// Audio before the stream start frame has nowhere to go.
		b.logger.Warnw("dropping model audio before stream start", "callId", b.callID)
		return
	}
	if err := b.media.SendMedia(streamSID, ev.Delta); err != nil {
		b.Shutdown("telephony leg failed", &TransportError{Leg: LegTelephony, Err: err})
		return
	}
	if err := b.media.SendMark(streamSID, markName); err != nil {
		b.Shutdown("telephony leg failed", &TransportError{Leg: LegTelephony, Err: err})
	}
}

// handleBargeIn reacts to the caller speaking over unflushed model audio.
// The discard on the telephony side and the truncate on the model side are
// issued as a pair, exactly once per interrupted response segment.
func (b *Bridge) handleBargeIn() {
	b.mu.Lock()
	if !b.unflushed || b.currentItemID == "" {
		b.mu.Unlock()
		return
	}
	streamSID := b.streamSID
	itemID := b.currentItemID
	// Deltas stream faster than real time, so relayed bytes overshoot what
	// the callee has heard. Playback position is wall-clock time since the
	// segment began, bounded by the relayed length (one µ-law byte per
	// sample at 8 kHz).
	audioEndMs := int(b.clock().Sub(b.segmentStart).Milliseconds())
	if relayedMs := b.segmentBytes / 8; audioEndMs > relayedMs {
		audioEndMs = relayedMs
	}
	if audioEndMs < 0 {
		audioEndMs = 0
	}
	b.unflushed = false
	b.pendingMarks = 0
	b.currentItemID = ""
	b.segmentBytes = 0
	b.mu.Unlock()

	b.logger.Infow("barge-in",
		"callId", b.callID, "itemId", itemID, "audioEndMs", audioEndMs)

	if err := b.media.SendClear(streamSID); err != nil {
		b.Shutdown("telephony leg failed", &TransportError{Leg: LegTelephony, Err: err})
		return
	}
	if err := b.model.TruncateItem(itemID, audioEndMs); err != nil {
		b.Shutdown("model leg failed", &TransportError{Leg: LegModel, Err: err})
		return
	}
	if err := b.model.CancelResponse(); err != nil {
		b.Shutdown("model leg failed", &TransportError{Leg: LegModel, Err: err})
	}
}

func (b *Bridge) appendTranscript(speaker, text string) {
	if text == "" {
		return
	}
	if err := b.store.AppendTranscript(b.callID, speaker, text); err != nil {
		b.logger.Warnw("failed to append transcript",
			"callId", b.callID, "speaker", speaker, "error", err)
	}
}

func (b *Bridge) persistDebugAudio() {
	if b.recorder == nil || b.cfg.DebugAudioDir == "" {
		return
	}
	callerWAV, modelWAV, err := b.recorder.Persist()
	if err != nil {
		b.logger.Warnw("debug audio persist failed", "callId", b.callID, "error", err)
		return
	}
	for suffix, data := range map[string][]byte{
		"caller": callerWAV,
		"model":  modelWAV,
	} {
		path := filepath.Join(b.cfg.DebugAudioDir, fmt.Sprintf("%s-%s.wav", b.callID, suffix))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			b.logger.Warnw("debug audio write failed", "callId", b.callID, "path", path, "error", err)
		}
	}
}

func classifyTelephonyFault(err error) error {
	if errors.Is(err, internal_twilio_telephony.ErrMalformedFrame) {
		return &ProtocolError{Leg: LegTelephony, Err: err}
	}
	return &TransportError{Leg: LegTelephony, Err: err}
}

func classifyModelFault(err error) error {
	if errors.Is(err, internal_realtime.ErrMalformedEvent) {
		return &ProtocolError{Leg: LegModel, Err: err}
	}
	return &TransportError{Leg: LegModel, Err: err}
}

// b64DecodedLen returns the exact decoded byte length of a standard base64
// string without decoding it.
func b64DecodedLen(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	padding := 0
	if s[n-1] == '=' {
		padding++
		if n > 1 && s[n-2] == '=' {
			padding++
		}
	}
	return n/4*3 - padding
}
