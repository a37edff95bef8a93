// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/config"
	internal_bridge "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/bridge"
	internal_callstate "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/callstate"
	internal_pendingctx "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/pendingctx"
	internal_realtime "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/realtime"
	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// ============================================================
// Fakes
// ============================================================

type startedCall struct {
	to, from, callID string
}

type fakeOriginator struct {
	mu      sync.Mutex
	started []startedCall
	hangups []string
	fail    bool
}

func (f *fakeOriginator) StartCall(_ context.Context, to, from, callID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("carrier said no")
	}
	f.started = append(f.started, startedCall{to: to, from: from, callID: callID})
	return "CAfake123", nil
}

func (f *fakeOriginator) Hangup(_ context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, providerCallID)
	return nil
}

// fakeSession is a minimal model leg: it records the session config and
// blocks on Read until closed.
type fakeSession struct {
	mu        sync.Mutex
	cfgs      []internal_realtime.SessionConfig
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (f *fakeSession) UpdateSession(cfg internal_realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs = append(f.cfgs, cfg)
	return nil
}

func (f *fakeSession) AppendAudio(string) error              { return nil }
func (f *fakeSession) CreateResponse() error                 { return nil }
func (f *fakeSession) CancelResponse() error                 { return nil }
func (f *fakeSession) TruncateItem(string, int) error        { return nil }
func (f *fakeSession) CreateUserMessage(string) error        { return nil }
func (f *fakeSession) SubmitToolOutput(string, string) error { return nil }

func (f *fakeSession) Read() (*internal_realtime.ServerEvent, error) {
	<-f.done
	return nil, errors.New("model session read failed: closed")
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSession) instructions() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cfgs) == 0 {
		return ""
	}
	return f.cfgs[0].Instructions
}

// ============================================================
// Harness
// ============================================================

type routerHarness struct {
	router     *Router
	engine     *gin.Engine
	store      internal_callstate.Store
	registry   *internal_pendingctx.Registry
	originator *fakeOriginator
	session    *fakeSession
}

func newRouterHarness(t *testing.T, mutate func(*config.AppConfig)) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	cfg := &config.AppConfig{
		ServiceName:        "voicebridge-test",
		Host:               "127.0.0.1",
		Port:               0,
		LogLevel:           "error",
		PublicHost:         "bridge.example.com",
		TwilioAccountSID:   "ACtest",
		TwilioAuthToken:    "secret",
		TwilioFromNumber:   "+15550009999",
		OpenAIAPIKey:       "sk-test",
		OpenAIModel:        "model-under-test",
		Voice:              "alloy",
		InboundPolicy:      config.InboundPolicyOpen,
		IdleTimeout:        5 * time.Second,
		GreetingFallback:   0,
		AttachTimeout:      5 * time.Second,
		SocketWriteTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := internal_callstate.NewStore(logger)
	registry := internal_pendingctx.NewRegistry(logger, cfg.AttachTimeout)
	originator := &fakeOriginator{}
	session := newFakeSession()
	dial := func(context.Context) (internal_bridge.ModelSession, error) {
		return session, nil
	}

	r := New(logger, cfg, store, registry, originator, dial)
	engine := gin.New()
	r.Register(engine)

	return &routerHarness{
		router:     r,
		engine:     engine,
		store:      store,
		registry:   registry,
		originator: originator,
		session:    session,
	}
}

func (h *routerHarness) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *routerHarness) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

// extractCallID pulls the callId query parameter out of the stream URL in
// rendered TwiML.
func extractCallID(t *testing.T, twiml string) string {
	t.Helper()
	idx := strings.Index(twiml, "callId=")
	require.GreaterOrEqual(t, idx, 0, "no callId in twiml: %s", twiml)
	rest := twiml[idx+len("callId="):]
	if end := strings.IndexAny(rest, `"&<`); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// ============================================================
// Inbound webhook
// ============================================================

func TestVoiceWebhook_OpenPolicyReturnsStreamTwiML(t *testing.T) {
	h := newRouterHarness(t, nil)

	w := h.postForm("/twilio/voice", url.Values{
		"From":    {"+14155551234"},
		"To":      {"+15550009999"},
		"CallSid": {"CAinbound1"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, "wss://bridge.example.com/media-stream")

	callID := extractCallID(t, body)
	rec, err := h.store.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, internal_callstate.DirectionInbound, rec.Direction)
	assert.Equal(t, internal_callstate.StatusRinging, rec.Status)
	assert.Equal(t, "+14155551234", rec.CounterpartNumber)
	assert.Equal(t, "CAinbound1", rec.ProviderCallID)

	// Accepting the call registers the default inbound persona so the media
	// attach finds a pending context waiting for it.
	pc := h.registry.Take(callID)
	require.NotNil(t, pc)
	assert.Equal(t, internal_pendingctx.PurposeInboundDefault, pc.Purpose)
	assert.Contains(t, pc.Instructions, "inbound call")
}

func TestVoiceWebhook_RejectsByPolicy(t *testing.T) {
	h := newRouterHarness(t, func(cfg *config.AppConfig) {
		cfg.InboundPolicy = config.InboundPolicyDisabled
	})

	w := h.postForm("/twilio/voice", url.Values{"From": {"+14155551234"}})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Reject")
	assert.Empty(t, h.store.GetActive())
}

func TestVoiceWebhook_AllowlistFiltersCallers(t *testing.T) {
	h := newRouterHarness(t, func(cfg *config.AppConfig) {
		cfg.InboundPolicy = config.InboundPolicyAllowlist
		cfg.InboundAllowlist = "+14155551234"
	})

	accepted := h.postForm("/twilio/voice", url.Values{"From": {"+1 415 555 1234"}})
	assert.Contains(t, accepted.Body.String(), "<Connect>")

	rejected := h.postForm("/twilio/voice", url.Values{"From": {"+14155559999"}})
	assert.Contains(t, rejected.Body.String(), "<Reject")
}

// ============================================================
// Status webhook
// ============================================================

func TestStatusWebhook_MapsProviderVocabulary(t *testing.T) {
	cases := []struct {
		provider string
		want     internal_callstate.Status
	}{
		{"ringing", internal_callstate.StatusRinging},
		{"in-progress", internal_callstate.StatusInProgress},
		{"answered", internal_callstate.StatusInProgress},
		{"completed", internal_callstate.StatusCompleted},
		{"busy", internal_callstate.StatusBusy},
		{"failed", internal_callstate.StatusFailed},
		{"canceled", internal_callstate.StatusFailed},
		{"no-answer", internal_callstate.StatusNoAnswer},
		{"queued", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFromProvider(tc.provider), tc.provider)
	}
}

func TestStatusWebhook_UpdatesRecordAndAmd(t *testing.T) {
	h := newRouterHarness(t, nil)
	_, err := h.store.Create("call-1", internal_callstate.DirectionOutbound, "+15551", "+15552", "task")
	require.NoError(t, err)

	w := h.postForm("/twilio/status?callId=call-1", url.Values{
		"CallStatus": {"in-progress"},
		"AnsweredBy": {"machine_start"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := h.store.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, internal_callstate.StatusInProgress, rec.Status)
	assert.Equal(t, internal_callstate.AmdMachine, rec.AmdResult)
}

func TestStatusWebhook_TerminalNeverRegresses(t *testing.T) {
	h := newRouterHarness(t, nil)
	_, err := h.store.Create("call-1", internal_callstate.DirectionOutbound, "+15551", "+15552", "task")
	require.NoError(t, err)

	h.postForm("/twilio/status?callId=call-1", url.Values{"CallStatus": {"completed"}})
	// A late delivery must not move the record backwards.
	h.postForm("/twilio/status?callId=call-1", url.Values{"CallStatus": {"in-progress"}})

	rec, err := h.store.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, internal_callstate.StatusCompleted, rec.Status)
}

func TestStatusWebhook_FinalizesCallThatNeverAttached(t *testing.T) {
	h := newRouterHarness(t, nil)
	_, err := h.store.Create("call-busy", internal_callstate.DirectionOutbound, "+15551", "+15552", "task")
	require.NoError(t, err)

	var fired atomic.Int32
	h.store.RegisterCompletionHandler(func(ev internal_callstate.CompletionEvent) {
		fired.Add(1)
		assert.Equal(t, "call-busy", ev.CallID)
		assert.Equal(t, internal_callstate.StatusBusy, ev.Status)
	})

	// Busy calls never get a media stream, so no bridge exists to tear down.
	// The terminal webhook alone must complete the record.
	w := h.postForm("/twilio/status?callId=call-busy", url.Values{"CallStatus": {"busy"}})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int32(1), fired.Load())
	rec, err := h.store.Get("call-busy")
	require.NoError(t, err)
	assert.Equal(t, internal_callstate.StatusBusy, rec.Status)
	assert.Empty(t, h.store.GetActive())
}

func TestStatusWebhook_MissingCallIDRejected(t *testing.T) {
	h := newRouterHarness(t, nil)
	w := h.postForm("/twilio/status", url.Values{"CallStatus": {"completed"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================
// Outbound dial API
// ============================================================

func TestDial_PlacesCallWithPendingContext(t *testing.T) {
	h := newRouterHarness(t, nil)

	w := h.postJSON("/calls", `{"to":"+14155551234","task":"confirm the 7pm reservation"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	h.originator.mu.Lock()
	require.Len(t, h.originator.started, 1)
	placed := h.originator.started[0]
	h.originator.mu.Unlock()
	assert.Equal(t, "+14155551234", placed.to)
	assert.Equal(t, "+15550009999", placed.from)

	// The persona was registered before the carrier was asked to dial.
	pc := h.registry.Take(placed.callID)
	require.NotNil(t, pc)
	assert.Contains(t, pc.Instructions, "confirm the 7pm reservation")
	assert.Equal(t, internal_pendingctx.PurposeOutboundTask, pc.Purpose)

	rec, err := h.store.Get(placed.callID)
	require.NoError(t, err)
	assert.Equal(t, internal_callstate.DirectionOutbound, rec.Direction)
	assert.Equal(t, "CAfake123", rec.ProviderCallID)
}

func TestDial_ValidatesRequest(t *testing.T) {
	h := newRouterHarness(t, nil)
	w := h.postJSON("/calls", `{"to":"+14155551234"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDial_OriginatorFailureFinalizesRecord(t *testing.T) {
	h := newRouterHarness(t, nil)
	h.originator.fail = true

	w := h.postJSON("/calls", `{"to":"+14155551234","task":"anything"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	assert.Empty(t, h.store.GetActive())
	assert.Equal(t, 0, h.registry.Len())
}

// ============================================================
// Media stream attach
// ============================================================

func TestMediaStream_RequiresCallIDParam(t *testing.T) {
	h := newRouterHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/media-stream", nil)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// A media connection for a callId the store has never seen must still be
// served: after a restart the in-memory records are gone but the provider
// keeps the stream URL it was handed before the crash.
func TestMediaStream_RecoversAfterLostRecord(t *testing.T) {
	h := newRouterHarness(t, nil)

	server := httptest.NewServer(h.engine)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/media-stream?callId=call-lost"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZrecovered",
			"callSid":   "CArecovered",
		},
	}))

	// A fresh inbound record is rebuilt and the default persona applies.
	assert.Eventually(t, func() bool {
		rec, err := h.store.Get("call-lost")
		return err == nil && rec.Direction == internal_callstate.DirectionInbound
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return strings.Contains(h.session.instructions(), "inbound call")
	}, 2*time.Second, 10*time.Millisecond)

	h.postForm("/twilio/status?callId=call-lost", url.Values{"CallStatus": {"completed"}})
	assert.Eventually(t, func() bool {
		rec, err := h.store.Get("call-lost")
		return err == nil && rec.Status == internal_callstate.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMediaStream_AttachRunsBridgeWithDefaultPersona(t *testing.T) {
	h := newRouterHarness(t, nil)
	_, err := h.store.Create("call-ws", internal_callstate.DirectionInbound, "+15551", "+15552", "")
	require.NoError(t, err)

	server := httptest.NewServer(h.engine)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/media-stream?callId=call-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZws",
			"callSid":   "CAws",
		},
	}))

	// No pending context was registered, so the default persona applies.
	assert.Eventually(t, func() bool {
		return strings.Contains(h.session.instructions(), "inbound call")
	}, 2*time.Second, 10*time.Millisecond)

	// A terminal status webhook tears the live bridge down.
	h.postForm("/twilio/status?callId=call-ws", url.Values{"CallStatus": {"completed"}})

	assert.Eventually(t, func() bool {
		rec, err := h.store.Get("call-ws")
		return err == nil && rec.Status == internal_callstate.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// The socket closes once the bridge is gone.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	_ = conn.Close()
}

func TestHealthz(t *testing.T) {
	h := newRouterHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
