// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/config"
	internal_recorder "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/audio/recorder"
	internal_bridge "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/bridge"
	internal_callstate "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/callstate"
	internal_pendingctx "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/pendingctx"
	internal_realtime "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/realtime"
	internal_twilio_telephony "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/telephony/twilio"
	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/utils"
)

// defaultInboundInstructions is the persona used when a media connection
// attaches with no pending context, e.g. an inbound call nobody prepared a
// task for.
const defaultInboundInstructions = "You are a friendly phone assistant answering an inbound call. " +
	"Greet the caller when they speak, find out what they need, and help them concisely. " +
	"If you cannot help, say so politely. Report the outcome before ending the call."

// outboundInstructionsTemplate frames the task descriptor handed to the
// model on outbound calls.
const outboundInstructionsTemplate = "You are making an outbound phone call on behalf of your operator. " +
	"Your task: %s\n" +
	"Wait for the other party to speak first. Be natural, polite, and brief. " +
	"When the task is resolved, report the outcome and then end the call."

// ModelDialer opens a model session. Production wires realtime.Dial; tests
// substitute a fake.
type ModelDialer func(ctx context.Context) (internal_bridge.ModelSession, error)

// Router owns the HTTP surface: provider webhooks, the media-stream
// websocket endpoint, and the call initiation API. It tracks live bridges
// so terminal webhooks can tear down the matching session.
type Router struct {
	logger     commons.Logger
	cfg        *config.AppConfig
	store      internal_callstate.Store
	registry   *internal_pendingctx.Registry
	policy     *AdmissionPolicy
	originator internal_twilio_telephony.Originator
	dialModel  ModelDialer
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	bridges map[string]*internal_bridge.Bridge
}

// New assembles the router. originator may be nil, which disables the
// outbound dial API and shutdown-time hangups.
func New(
	logger commons.Logger,
	cfg *config.AppConfig,
	store internal_callstate.Store,
	registry *internal_pendingctx.Registry,
	originator internal_twilio_telephony.Originator,
	dialModel ModelDialer,
) *Router {
	if dialModel == nil {
		dialModel = func(ctx context.Context) (internal_bridge.ModelSession, error) {
			return internal_realtime.Dial(ctx, logger, internal_realtime.DialConfig{
				APIKey:       cfg.OpenAIAPIKey,
				Model:        cfg.OpenAIModel,
				WriteTimeout: cfg.SocketWriteTimeout,
			})
		}
	}
	return &Router{
		logger:     logger,
		cfg:        cfg,
		store:      store,
		registry:   registry,
		policy:     NewAdmissionPolicy(cfg.InboundPolicy, cfg.AllowlistNumbers()),
		originator: originator,
		dialModel:  dialModel,
		upgrader: websocket.Upgrader{
			// The provider's media stream client sends no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		bridges: make(map[string]*internal_bridge.Bridge),
	}
}

// Register mounts all routes on the engine.
func (r *Router) Register(engine *gin.Engine) {
	engine.GET("/healthz", r.handleHealthz)
	engine.POST("/twilio/voice", r.handleVoiceWebhook)
	engine.POST("/twilio/status", r.handleStatusWebhook)
	engine.GET("/media-stream", r.handleMediaStream)
	engine.POST("/calls", r.handleDial)
	engine.GET("/calls", r.handleListActive)
	engine.GET("/calls/:callId", r.handleGetCall)
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"activeCalls": len(r.store.GetActive()),
	})
}

// handleVoiceWebhook answers the provider's inbound-call webhook with TwiML:
// either a stream connect or a rejection, per the admission policy.
func (r *Router) handleVoiceWebhook(c *gin.Context) {
	from := c.PostForm("From")
	to := c.PostForm("To")
	providerCallID := c.PostForm("CallSid")

	if !r.policy.Admit(from) {
		r.logger.Infow("inbound call rejected", "from", from, "policy", r.cfg.InboundPolicy)
		xml, err := internal_twilio_telephony.RejectTwiML()
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "text/xml", []byte(xml))
		return
	}

	callID := uuid.NewString()
	if _, err := r.store.Create(callID, internal_callstate.DirectionInbound, from, to, ""); err != nil {
		r.logger.Errorw("failed to create inbound call record", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if providerCallID != "" {
		if err := r.store.SetProviderID(callID, providerCallID); err != nil {
			r.logger.Warnw("failed to set provider call id", "callId", callID, "error", err)
		}
	}
	if err := r.store.UpdateStatus(callID, internal_callstate.StatusRinging); err != nil {
		r.logger.Warnw("failed to mark call ringing", "callId", callID, "error", err)
	}
	if err := r.registry.Put(&internal_pendingctx.PendingContext{
		CallID:       callID,
		Purpose:      internal_pendingctx.PurposeInboundDefault,
		Instructions: defaultInboundInstructions,
	}); err != nil {
		r.logger.Warnw("failed to register inbound context", "callId", callID, "error", err)
	}

	xml, err := internal_twilio_telephony.ConnectStreamTwiML(r.cfg.PublicHost, callID)
	if err != nil {
		r.logger.Errorw("failed to render stream twiml", "callId", callID, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	r.logger.Infow("inbound call accepted", "callId", callID, "from", from, "to", to)
	c.Data(http.StatusOK, "text/xml", []byte(xml))
}

// statusFromProvider maps the provider's call status vocabulary onto the
// internal lifecycle. Unknown statuses map to empty.
func statusFromProvider(s string) internal_callstate.Status {
	switch strings.ToLower(s) {
	case "ringing":
		return internal_callstate.StatusRinging
	case "in-progress", "answered":
		return internal_callstate.StatusInProgress
	case "completed":
		return internal_callstate.StatusCompleted
	case "busy":
		return internal_callstate.StatusBusy
	case "failed", "canceled":
		return internal_callstate.StatusFailed
	case "no-answer":
		return internal_callstate.StatusNoAnswer
	default:
		return ""
	}
}

// amdFromProvider maps the provider's answered-by classification.
func amdFromProvider(answeredBy string) internal_callstate.AmdResult {
	switch strings.ToLower(answeredBy) {
	case "human":
		return internal_callstate.AmdHuman
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other", "fax":
		return internal_callstate.AmdMachine
	case "unknown":
		return internal_callstate.AmdUnknown
	default:
		return ""
	}
}

// handleStatusWebhook reconciles provider status callbacks into the call
// record. Terminal statuses also tear down the live bridge, covering calls
// that end from the provider side first.
func (r *Router) handleStatusWebhook(c *gin.Context) {
	callID := c.Query("callId")
	if callID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	providerStatus := c.PostForm("CallStatus")
	answeredBy := c.PostForm("AnsweredBy")

	r.logger.Infow("status webhook",
		"callId", callID, "providerStatus", providerStatus, "answeredBy", answeredBy)

	if amd := amdFromProvider(answeredBy); amd != "" {
		if err := r.store.SetAmdResult(callID, amd); err != nil {
			r.logger.Warnw("failed to set amd result", "callId", callID, "error", err)
		}
		if amd == internal_callstate.AmdMachine {
			if b := r.lookupBridge(callID); b != nil {
				b.NotifyMachineAnswer()
			}
		}
	}

	status := statusFromProvider(providerStatus)
	if status == "" {
		c.Status(http.StatusOK)
		return
	}
	if err := r.store.UpdateStatus(callID, status); err != nil {
		r.logger.Warnw("status update failed", "callId", callID, "error", err)
	}

	if status.IsTerminal() {
		if b := r.lookupBridge(callID); b != nil {
			// Shutdown hangs up via the provider's REST API; run it off the
			// webhook goroutine so the callback gets its 200 promptly.
			reason := fmt.Sprintf("provider reported terminal status %s", status)
			utils.Go(context.Background(), r.logger, func() { b.Shutdown(reason, nil) })
		} else {
			// Busy/no-answer/failed calls may die before any media stream
			// attaches; the completion event still has to fire exactly once.
			if err := r.store.Finalize(callID); err != nil {
				r.logger.Warnw("failed to finalize call record", "callId", callID, "error", err)
			}
		}
		r.registry.Remove(callID)
	}

	c.Status(http.StatusOK)
}

// handleMediaStream upgrades the provider's media websocket and runs the
// bridge for the call, blocking until the call ends.
func (r *Router) handleMediaStream(c *gin.Context) {
	callID := c.Query("callId")
	if callID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	record, err := r.store.Get(callID)
	if err != nil {
		// The record can be missing after a process restart mid-call. Rebuild
		// a bare inbound record and serve the call with the default persona
		// rather than dropping the caller.
		r.logger.Warnw("media stream for unknown call, recovering", "callId", callID)
		record, err = r.store.Create(callID, internal_callstate.DirectionInbound, "", "", "")
		if err != nil {
			r.logger.Errorw("failed to recover call record", "callId", callID, "error", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	if record.Status.IsTerminal() {
		r.logger.Warnw("media stream for finished call", "callId", callID, "status", record.Status)
		c.AbortWithStatus(http.StatusGone)
		return
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "callId", callID, "error", err)
		return
	}
	media := internal_twilio_telephony.NewMediaStream(conn, r.cfg.SocketWriteTimeout)

	instructions := r.resolveInstructions(callID)

	model, err := r.dialModel(c.Request.Context())
	if err != nil {
		r.logger.Errorw("model session dial failed", "callId", callID, "error", err)
		_ = r.store.SetError(callID, fmt.Sprintf("model session dial failed: %v", err))
		_ = r.store.Finalize(callID)
		_ = media.Close()
		return
	}

	opts := []internal_bridge.Option{
		internal_bridge.WithOnClose(r.removeBridge),
	}
	if r.originator != nil {
		opts = append(opts, internal_bridge.WithControl(r.originator))
	}
	if r.cfg.DebugAudioDir != "" {
		opts = append(opts, internal_bridge.WithRecorder(internal_recorder.NewRecorder(r.logger)))
	}

	b := internal_bridge.New(
		r.logger,
		internal_bridge.Config{
			Voice: r.cfg.Voice,
			VAD: internal_realtime.VADConfig{
				Threshold:         r.cfg.VADThreshold,
				PrefixPaddingMs:   r.cfg.VADPrefixPaddingMs,
				SilenceDurationMs: r.cfg.VADSilenceDurationMs,
			},
			IdleTimeout:      r.cfg.IdleTimeout,
			GreetingFallback: r.cfg.GreetingFallback,
			DebugLogFrames:   r.cfg.DebugLogFrames,
			DebugAudioDir:    r.cfg.DebugAudioDir,
		},
		r.store,
		media,
		model,
		callID,
		instructions,
		opts...,
	)

	if !r.trackBridge(callID, b) {
		r.logger.Warnw("duplicate media stream attach", "callId", callID)
		_ = model.Close()
		_ = media.Close()
		return
	}

	if err := b.Run(c.Request.Context()); err != nil {
		r.logger.Warnw("bridge ended with error", "callId", callID, "error", err)
	}
}

// resolveInstructions consumes the pending context for this call, falling
// back to the default inbound persona when nobody prepared one.
func (r *Router) resolveInstructions(callID string) string {
	pc := r.registry.Take(callID)
	if pc == nil {
		r.logger.Infow("no pending context, using default persona", "callId", callID)
		return defaultInboundInstructions
	}

	instructions := pc.Instructions
	if len(pc.Extensions) > 0 {
		keys := make([]string, 0, len(pc.Extensions))
		for k := range pc.Extensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(instructions)
		b.WriteString("\nAdditional context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, pc.Extensions[k])
		}
		instructions = b.String()
	}
	return instructions
}

// dialRequest is the call initiation API payload.
type dialRequest struct {
	To   string            `json:"to" binding:"required"`
	Task string            `json:"task" binding:"required"`
	From string            `json:"from"`
	Meta map[string]string `json:"meta"`
}

// handleDial starts an outbound call: the pending context is registered
// before the provider is asked to dial, so the media connection can never
// attach before its persona exists.
func (r *Router) handleDial(c *gin.Context) {
	if r.originator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbound dialing is not configured"})
		return
	}

	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from := req.From
	if from == "" {
		from = r.cfg.TwilioFromNumber
	}

	callID := uuid.NewString()
	pc := &internal_pendingctx.PendingContext{
		CallID:       callID,
		Purpose:      internal_pendingctx.PurposeOutboundTask,
		Instructions: fmt.Sprintf(outboundInstructionsTemplate, req.Task),
		Extensions:   req.Meta,
	}
	if err := r.registry.Put(pc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := r.store.Create(callID, internal_callstate.DirectionOutbound, req.To, from, req.Task); err != nil {
		r.registry.Remove(callID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	providerCallID, err := r.originator.StartCall(c.Request.Context(), req.To, from, callID)
	if err != nil {
		r.logger.Errorw("outbound dial failed", "callId", callID, "to", req.To, "error", err)
		r.registry.Remove(callID)
		_ = r.store.SetError(callID, fmt.Sprintf("outbound dial failed: %v", err))
		_ = r.store.Finalize(callID)
		c.JSON(http.StatusBadGateway, gin.H{"error": "call could not be placed"})
		return
	}
	if err := r.store.SetProviderID(callID, providerCallID); err != nil {
		r.logger.Warnw("failed to set provider call id", "callId", callID, "error", err)
	}

	r.logger.Infow("outbound call placed",
		"callId", callID, "to", req.To, "providerCallId", providerCallID)
	c.JSON(http.StatusAccepted, gin.H{
		"callId":         callID,
		"providerCallId": providerCallID,
		"status":         internal_callstate.StatusCreated,
	})
}

func (r *Router) handleListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": r.store.GetActive()})
}

func (r *Router) handleGetCall(c *gin.Context) {
	record, err := r.store.Get(c.Param("callId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// trackBridge registers the live bridge for a call. Returns false when one
// is already attached; a call gets exactly one media session.
func (r *Router) trackBridge(callID string, b *internal_bridge.Bridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bridges[callID]; exists {
		return false
	}
	r.bridges[callID] = b
	return true
}

func (r *Router) lookupBridge(callID string) *internal_bridge.Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridges[callID]
}

func (r *Router) removeBridge(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bridges, callID)
}

// ShutdownAll tears down every live bridge. Used on process shutdown.
func (r *Router) ShutdownAll(reason string) {
	r.mu.Lock()
	live := make([]*internal_bridge.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		live = append(live, b)
	}
	r.mu.Unlock()

	for _, b := range live {
		b.Shutdown(reason, nil)
	}
}
