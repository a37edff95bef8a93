// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_twilio_telephony

import (
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go/twiml"
)

// StreamURL builds the media-stream websocket URL with the call identifier
// embedded as a query parameter. The identifier is generated at
// call-initiation/acceptance time and never reused across calls.
func StreamURL(publicHost, callID string) string {
	return fmt.Sprintf("wss://%s/media-stream?callId=%s", publicHost, url.QueryEscape(callID))
}

// ConnectStreamTwiML answers a call-control webhook with an instruction to
// open the duplex media stream.
func ConnectStreamTwiML(publicHost, callID string) (string, error) {
	stream := &twiml.VoiceStream{
		Url: StreamURL(publicHost, callID),
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// RejectTwiML answers a call-control webhook with an immediate disconnect
// instruction. Used on inbound admission policy rejection.
func RejectTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceReject{Reason: "rejected"}})
}
