// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_twilio_telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Originator places outbound calls and controls live calls on the provider.
// This is the thin REST wrapper the bridge and router consume; the per-call
// protocol work all happens on the media stream.
type Originator interface {
	// StartCall originates an outbound call whose answer TwiML opens the
	// duplex media stream carrying callID. Returns the provider-assigned
	// call identifier.
	StartCall(ctx context.Context, to, from, callID string) (string, error)

	// Hangup ends a live call on the provider side. Used when the media
	// socket alone cannot guarantee a clean telephony-side disconnect.
	Hangup(ctx context.Context, providerCallID string) error
}

// ClientConfig carries provider credentials and the endpoints baked into
// originated calls.
type ClientConfig struct {
	AccountSID string
	AuthToken  string

	// PublicHost is used to build the media-stream and status-callback URLs.
	PublicHost string
}

type restOriginator struct {
	logger commons.Logger
	cfg    ClientConfig
	client *twilio.RestClient
}

// NewOriginator creates the provider REST client.
func NewOriginator(logger commons.Logger, cfg ClientConfig) (Originator, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("provider credentials are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &restOriginator{logger: logger, cfg: cfg, client: client}, nil
}

func (o *restOriginator) StartCall(ctx context.Context, to, from, callID string) (string, error) {
	answer, err := ConnectStreamTwiML(o.cfg.PublicHost, callID)
	if err != nil {
		return "", fmt.Errorf("failed to build stream twiml: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetTwiml(answer)
	params.SetStatusCallback(fmt.Sprintf("https://%s/twilio/status?callId=%s", o.cfg.PublicHost, callID))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")
	params.SetMachineDetection("Enable")
	params.SetAsyncAmd("true")
	params.SetAsyncAmdStatusCallback(fmt.Sprintf("https://%s/twilio/status?callId=%s", o.cfg.PublicHost, callID))
	params.SetAsyncAmdStatusCallbackMethod("POST")

	resp, err := o.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to originate call to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("provider returned no call sid for %s", to)
	}

	o.logger.Infow("outbound call originated",
		"callId", callID,
		"to", to,
		"from", from,
		"providerCallId", *resp.Sid,
	)
	return *resp.Sid, nil
}

func (o *restOriginator) Hangup(ctx context.Context, providerCallID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := o.client.Api.UpdateCall(providerCallID, params); err != nil {
		return fmt.Errorf("failed to hang up call %s: %w", providerCallID, err)
	}
	o.logger.Infow("provider-side hangup requested", "providerCallId", providerCallID)
	return nil
}
