// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	internal_audio "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/audio"
	internal_recorder "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/audio/recorder"
	internal_callstate "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/callstate"
	internal_realtime "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/realtime"
)

// Tool names advertised to the model.
const (
	ToolPlayDTMF      = "play_dtmf"
	ToolReportOutcome = "report_outcome"
	ToolEndCall       = "end_call"
)

// dtmfFrameBytes is 20 ms of µ-law at 8 kHz, the provider's media frame
// granularity.
const dtmfFrameBytes = 160

func toolSchemas() []internal_realtime.Tool {
	return []internal_realtime.Tool{
		{
			Name: ToolPlayDTMF,
			Description: "Play DTMF touch tones on the phone line, for example to navigate " +
				"a phone menu. Digits may be 0-9, *, #, and ',' for a one-beat pause.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"digits": map[string]any{
						"type":        "string",
						"description": "The tone sequence to play, e.g. \"1\" or \"123#\".",
					},
				},
				"required": []string{"digits"},
			},
		},
		{
			Name: ToolReportOutcome,
			Description: "Report the final outcome of the call once the task is resolved. " +
				"Call this exactly once, before ending the call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "One or two sentences describing how the call went.",
					},
					"fields": map[string]any{
						"type":        "object",
						"description": "Optional structured details, e.g. a confirmation number.",
						"additionalProperties": map[string]any{
							"type": "string",
						},
					},
				},
				"required": []string{"summary"},
			},
		},
		{
			Name: ToolEndCall,
			Description: "Hang up the call. Use after saying goodbye and reporting the " +
				"outcome.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for ending the call.",
					},
				},
			},
		},
	}
}

type playDTMFArgs struct {
	Digits string `json:"digits"`
}

type reportOutcomeArgs struct {
	Summary string            `json:"summary"`
	Fields  map[string]string `json:"fields"`
}

type endCallArgs struct {
	Reason string `json:"reason"`
}

type toolResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func toolOK() string {
	out, _ := json.Marshal(toolResult{OK: true})
	return string(out)
}

func toolFailure(reason string) string {
	out, _ := json.Marshal(toolResult{OK: false, Error: reason})
	return string(out)
}

// dispatchTool executes one completed function call from the model and
// returns its result to the session. Tool failures are reported back to the
// model as failed results, never escalated to bridge faults: a bad tool
// call must not drop a live phone call.
func (b *Bridge) dispatchTool(ev *internal_realtime.ServerEvent) {
	b.logger.Infow("tool call",
		"callId", b.callID, "tool", ev.Name, "toolCallId", ev.CallID)

	var output string
	endCall := false

	switch ev.Name {
	case ToolPlayDTMF:
		output = b.runPlayDTMF(ev.Arguments)
	case ToolReportOutcome:
		output = b.runReportOutcome(ev.Arguments)
	case ToolEndCall:
		output = toolOK()
		endCall = true
	default:
		output = toolFailure(fmt.Sprintf("unknown tool %q", ev.Name))
	}

	if err := b.model.SubmitToolOutput(ev.CallID, output); err != nil {
		// The model leg is gone; end_call still proceeds to shutdown.
		b.logger.Warnw("tool output submit failed",
			"callId", b.callID, "tool", ev.Name, "error", err)
	}

	if endCall {
		var args endCallArgs
		_ = json.Unmarshal([]byte(ev.Arguments), &args)
		b.Shutdown(fmt.Sprintf("end_call tool invoked: %s", args.Reason), nil)
	}
}

// runPlayDTMF synthesizes the requested tone sequence and injects it into
// the outbound media stream in provider-sized frames.
func (b *Bridge) runPlayDTMF(rawArgs string) string {
	var args playDTMFArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := internal_audio.ValidateDTMF(args.Digits); err != nil {
		return toolFailure(err.Error())
	}

	b.mu.Lock()
	streamSID := b.streamSID
	b.mu.Unlock()
	if streamSID == "" {
		return toolFailure("media stream not started")
	}

	ulaw, err := internal_audio.SynthesizeDTMF(args.Digits)
	if err != nil {
		return toolFailure(err.Error())
	}
	if b.recorder != nil {
		b.recorder.Record(ulaw, internal_recorder.TrackModel)
	}

	for off := 0; off < len(ulaw); off += dtmfFrameBytes {
		end := off + dtmfFrameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		payload := base64.StdEncoding.EncodeToString(ulaw[off:end])
		if err := b.media.SendMedia(streamSID, payload); err != nil {
			b.Shutdown("telephony leg failed", &TransportError{Leg: LegTelephony, Err: err})
			return toolFailure("media stream write failed")
		}
	}

	b.logger.Infow("dtmf played", "callId", b.callID, "digits", args.Digits)
	return toolOK()
}

func (b *Bridge) runReportOutcome(rawArgs string) string {
	var args reportOutcomeArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return toolFailure(fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.Summary == "" {
		return toolFailure("summary must be non-empty")
	}

	err := b.store.SetOutcome(b.callID, internal_callstate.Outcome{
		Summary: args.Summary,
		Fields:  args.Fields,
	})
	if err != nil {
		return toolFailure(err.Error())
	}
	return toolOK()
}
