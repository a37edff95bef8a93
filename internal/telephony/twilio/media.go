// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_twilio_telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMalformedFrame marks frames that fail to decode; callers use it to
// tell protocol faults apart from transport faults.
var ErrMalformedFrame = errors.New("malformed media stream frame")

// Media stream event names. The envelope field names below are a
// compatibility contract with the provider's media-stream wire protocol.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// StreamMessage is the JSON envelope for one media-stream frame, both
// directions.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload announces a new stream and carries the custom parameters set
// on the TwiML <Stream> verb, including the call identifier.
type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaPayload is one fixed-size, sequence-numbered µ-law audio chunk,
// base64 encoded.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload echoes a named playback marker once the provider has flushed
// the audio queued before it.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload announces the stream ended on the provider side.
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// MediaStream is the telephony-side duplex leg as the bridge sees it.
type MediaStream interface {
	Read() (*StreamMessage, error)
	SendMedia(streamSID, payload string) error
	SendMark(streamSID, name string) error
	SendClear(streamSID string) error
	Close() error
}

// mediaConn implements MediaStream over a websocket connection. Writes may
// come from multiple goroutines and are serialized on a dedicated mutex;
// reads belong to a single goroutine.
type mediaConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewMediaStream wraps an upgraded websocket connection.
func NewMediaStream(conn *websocket.Conn, writeTimeout time.Duration) MediaStream {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &mediaConn{conn: conn, writeTimeout: writeTimeout}
}

func (m *mediaConn) Read() (*StreamMessage, error) {
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("media stream read failed: %w", err)
	}
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

func (m *mediaConn) send(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := m.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("media stream write failed: %w", err)
	}
	return nil
}

// SendMedia forwards one base64 µ-law payload to the provider, tagged with
// the stream identifier the provider assigned.
func (m *mediaConn) SendMedia(streamSID, payload string) error {
	return m.send(StreamMessage{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payload},
	})
}

// SendMark queues a named marker after the audio sent so far; the provider
// echoes it back once that audio has been played out.
func (m *mediaConn) SendMark(streamSID, name string) error {
	return m.send(StreamMessage{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	})
}

// SendClear instructs the provider to discard buffered-but-unplayed audio
// for the current segment.
func (m *mediaConn) SendClear(streamSID string) error {
	return m.send(StreamMessage{
		Event:     EventClear,
		StreamSID: streamSID,
	})
}

func (m *mediaConn) Close() error {
	m.writeMu.Lock()
	_ = m.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.writeMu.Unlock()
	return m.conn.Close()
}
