// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_router

import (
	"strings"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/config"
)

// AdmissionPolicy decides whether an inbound call from a given number is
// accepted. The default posture is reject: an unset or unknown policy
// admits nobody.
type AdmissionPolicy struct {
	mode      string
	allowlist map[string]struct{}
}

// NewAdmissionPolicy builds the policy from configuration. Allowlist
// entries are normalized once at construction.
func NewAdmissionPolicy(mode string, allowlist []string) *AdmissionPolicy {
	p := &AdmissionPolicy{
		mode:      mode,
		allowlist: make(map[string]struct{}, len(allowlist)),
	}
	for _, number := range allowlist {
		if n := normalizeNumber(number); n != "" {
			p.allowlist[n] = struct{}{}
		}
	}
	return p
}

// Admit reports whether a call from the given number may proceed.
func (p *AdmissionPolicy) Admit(from string) bool {
	switch p.mode {
	case config.InboundPolicyOpen:
		return true
	case config.InboundPolicyAllowlist:
		_, ok := p.allowlist[normalizeNumber(from)]
		return ok
	default:
		// disabled, empty, or unrecognized: reject.
		return false
	}
}

// normalizeNumber strips whitespace and common separators so formatting
// differences never defeat an exact match. No digit-level canonicalization happens here; allowlist
// entries are expected in the same E.164 form the provider reports.
func normalizeNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		switch r {
		case ' ', '\t', '-', '(', ')', '.':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
