// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// ErrMalformedEvent marks frames that fail to decode; callers use it to
// tell protocol faults apart from transport faults.
var ErrMalformedEvent = errors.New("malformed model session frame")

const (
	defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

	handshakeTimeout = 30 * time.Second
	maxMessageSize   = 10 * 1024 * 1024
)

// DialConfig configures Dial.
type DialConfig struct {
	APIKey string
	Model  string

	// URL overrides the provider endpoint; used by tests.
	URL string

	// WriteTimeout bounds every send. A stalled peer surfaces as a write
	// error, never an indefinite block.
	WriteTimeout time.Duration
}

// Session is one live model-side websocket session. Reads happen from a
// single goroutine via Read; writes may come from any goroutine and are
// serialized on a dedicated write mutex.
type Session struct {
	logger       commons.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial opens the model session websocket.
func Dial(ctx context.Context, logger commons.Logger, cfg DialConfig) (*Session, error) {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultRealtimeURL
	}
	url := fmt.Sprintf("%s?model=%s", baseURL, cfg.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("model session dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("model session dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	logger.Benchmark("realtime.Dial", time.Since(start))
	return &Session{
		logger:       logger,
		conn:         conn,
		writeTimeout: writeTimeout,
	}, nil
}

// send serializes one client event onto the wire under the write mutex with
// a bounded deadline.
func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("model session write failed: %w", err)
	}
	return nil
}

// UpdateSession sends the session configuration frame.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	return s.send(newSessionUpdate(cfg))
}

// AppendAudio forwards one base64-encoded µ-law audio chunk. The payload is
// relayed byte-for-byte as received from the telephony leg.
func (s *Session) AppendAudio(payload string) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	})
}

// CreateResponse asks the model to produce a turn.
func (s *Session) CreateResponse() error {
	return s.send(map[string]string{"type": "response.create"})
}

// CancelResponse aborts the in-flight response.
func (s *Session) CancelResponse() error {
	return s.send(map[string]string{"type": "response.cancel"})
}

// TruncateItem trims a conversation item's audio to what the callee actually
// heard. audioEndMs is playback position in milliseconds.
func (s *Session) TruncateItem(itemID string, audioEndMs int) error {
	return s.send(map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMs,
	})
}

// CreateUserMessage injects a synthetic user text turn, then requests a
// response. Used for the greeting fallback when the callee never speaks.
func (s *Session) CreateUserMessage(text string) error {
	if err := s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.CreateResponse()
}

// SubmitToolOutput returns a function call result to the model and requests
// continuation.
func (s *Session) SubmitToolOutput(callID, output string) error {
	if err := s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}
	return s.CreateResponse()
}

// Read blocks for the next server event. Returns an error when the session
// closes or delivers a malformed frame.
func (s *Session) Read() (*ServerEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("model session closed: %w", err)
		}
		return nil, fmt.Errorf("model session read failed: %w", err)
	}

	ev, err := DecodeServerEvent(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// Close sends a close frame and tears down the connection. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}
