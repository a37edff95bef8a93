// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_audio

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDTMF(t *testing.T) {
	cases := []struct {
		name   string
		digits string
		ok     bool
	}{
		{"single digit", "1", true},
		{"menu sequence", "123#", true},
		{"star and pound", "*0#", true},
		{"pause", "1,,2", true},
		{"empty", "", false},
		{"letters", "abc", false},
		{"mixed", "1a2", false},
		{"whitespace", "1 2", false},
		{"too long", strings.Repeat("1", MaxDTMFLength+1), false},
		{"max length", strings.Repeat("1", MaxDTMFLength), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDTMF(tc.digits)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSynthesizeDTMF_Duration(t *testing.T) {
	// One tone is 180 ms plus an 80 ms gap: 260 ms of 8 kHz µ-law is
	// 2080 bytes.
	ulaw, err := SynthesizeDTMF("5")
	require.NoError(t, err)
	assert.Len(t, ulaw, 2080)

	// A pause adds 400 ms (3200 bytes) of silence.
	withPause, err := SynthesizeDTMF("5,")
	require.NoError(t, err)
	assert.Len(t, withPause, 2080+3200)
}

func TestSynthesizeDTMF_RejectsInvalid(t *testing.T) {
	_, err := SynthesizeDTMF("xyz")
	assert.Error(t, err)
}

func TestSynthesizeDTMF_ToneIsNotSilence(t *testing.T) {
	ulaw, err := SynthesizeDTMF("8")
	require.NoError(t, err)

	distinct := make(map[byte]struct{})
	for _, b := range ulaw[:1440] { // inside the 180 ms tone
		distinct[b] = struct{}{}
	}
	// A dual sine sweeps many µ-law codes; silence would collapse to one.
	assert.Greater(t, len(distinct), 10)
}
