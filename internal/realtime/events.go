// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_realtime

import "encoding/json"

// Server event types consumed by the bridge. These names are a compatibility
// contract with the model provider and must not be altered.
const (
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventSpeechStarted       = "input_audio_buffer.speech_started"
	EventSpeechStopped       = "input_audio_buffer.speech_stopped"
	EventAudioDelta          = "response.audio.delta"
	EventAudioDone           = "response.audio.done"
	EventAudioTranscriptDone = "response.audio_transcript.done"
	EventFunctionCallDone    = "response.function_call_arguments.done"
	EventInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	EventError               = "error"
)

// AudioFormatG711Ulaw is the only audio format the bridge speaks: 8 kHz
// µ-law on both legs, matching the telephony stream so no transcoding is
// ever required.
const AudioFormatG711Ulaw = "g711_ulaw"

// ServerEvent is a decoded event from the model session. Only the fields
// relevant to the event type are populated.
type ServerEvent struct {
	Type string `json:"type"`

	// Audio delta / transcript events.
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// Function call events. Arguments is the raw JSON argument string
	// streamed by the model.
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Error events.
	Error *EventErrorDetail `json:"error,omitempty"`
}

// EventErrorDetail carries the provider's error payload.
type EventErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Tool is a function tool schema advertised in the session configuration.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// VADConfig tunes the provider-side voice activity detector that drives
// turn-taking.
type VADConfig struct {
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// SessionConfig is the initial configuration frame for a model session.
type SessionConfig struct {
	Instructions string
	Voice        string
	VAD          VADConfig
	Tools        []Tool
}

// sessionUpdate is the wire form of the session configuration frame.
type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string         `json:"modalities"`
	Instructions            string           `json:"instructions"`
	Voice                   string           `json:"voice"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format"`
	InputAudioTranscription map[string]any   `json:"input_audio_transcription"`
	TurnDetection           map[string]any   `json:"turn_detection"`
	Tools                   []map[string]any `json:"tools"`
	ToolChoice              string           `json:"tool_choice"`
}

func newSessionUpdate(cfg SessionConfig) sessionUpdate {
	tools := make([]map[string]any, 0, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return sessionUpdate{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  AudioFormatG711Ulaw,
			OutputAudioFormat: AudioFormatG711Ulaw,
			InputAudioTranscription: map[string]any{
				"model": "whisper-1",
			},
			TurnDetection: map[string]any{
				"type":                "server_vad",
				"threshold":           cfg.VAD.Threshold,
				"prefix_padding_ms":   cfg.VAD.PrefixPaddingMs,
				"silence_duration_ms": cfg.VAD.SilenceDurationMs,
			},
			Tools:      tools,
			ToolChoice: "auto",
		},
	}
}

// DecodeServerEvent parses a raw frame from the model session.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
