// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// DTMF synthesis at the telephony rate: 8 kHz µ-law, matching the media
// stream so tones are relayed like any other outbound audio.
const (
	dtmfSampleRate = 8000
	dtmfAmplitude  = 0.4

	toneDuration  = 180 // ms
	gapDuration   = 80  // ms
	pauseDuration = 400 // ms, for ','
)

// MaxDTMFLength bounds a single dial-tone request.
const MaxDTMFLength = 32

var dtmfFrequencies = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477},
}

// ValidateDTMF checks a dial-tone request against the permitted alphabet
// {0-9,*,#,,} and length bound.
func ValidateDTMF(digits string) error {
	if digits == "" {
		return fmt.Errorf("dtmf sequence must be non-empty")
	}
	if len(digits) > MaxDTMFLength {
		return fmt.Errorf("dtmf sequence exceeds %d characters", MaxDTMFLength)
	}
	for _, r := range digits {
		if r == ',' {
			continue
		}
		if _, ok := dtmfFrequencies[r]; !ok {
			return fmt.Errorf("invalid dtmf character %q", r)
		}
	}
	return nil
}

// SynthesizeDTMF renders the tone sequence as µ-law bytes ready for the
// media stream. The input must already be validated.
func SynthesizeDTMF(digits string) ([]byte, error) {
	if err := ValidateDTMF(digits); err != nil {
		return nil, err
	}

	var pcm []byte
	for _, r := range digits {
		if r == ',' {
			pcm = append(pcm, silence(pauseDuration)...)
			continue
		}
		freqs := dtmfFrequencies[r]
		pcm = append(pcm, dualTone(freqs[0], freqs[1], toneDuration)...)
		pcm = append(pcm, silence(gapDuration)...)
	}
	return g711.EncodeUlaw(pcm), nil
}

// dualTone renders the sum of two sines as 16-bit little-endian PCM.
func dualTone(lowHz, highHz float64, ms int) []byte {
	samples := dtmfSampleRate * ms / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / dtmfSampleRate
		v := dtmfAmplitude / 2 * (math.Sin(2*math.Pi*lowHz*t) + math.Sin(2*math.Pi*highHz*t))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

func silence(ms int) []byte {
	return make([]byte, dtmfSampleRate*ms/1000*2)
}
