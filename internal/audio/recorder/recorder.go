// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package internal_recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zaf/g711"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Recorded audio is µ-law 8 kHz from both legs; it is decoded to 16-bit
// linear PCM at persist time so the WAVs are playable anywhere.
const (
	sampleRate          = 8000
	channels            = 1
	audioBytesPerSample = 2
	audioBitsPerSample  = 16
	audioPCMFormat      = 1 // WAV PCM format tag
)

// Track identifiers for the two call legs.
const (
	TrackCaller = 0
	TrackModel  = 1
)

// chunk is one recorded fragment placed on the shared timeline. ByteOffset
// is the PCM byte position relative to Start().
type chunk struct {
	ByteOffset int
	Data       []byte // µ-law
	Track      int
}

// Recorder captures raw audio from both legs of a call on a shared
// wall-clock timeline and renders one WAV per leg. Used only when debug
// augmentation is enabled.
type Recorder struct {
	logger    commons.Logger
	mu        sync.Mutex
	startTime time.Time
	started   bool
	chunks    []chunk
	// Per-track cursor: the byte position just past the last written byte.
	// The caller track uses wall-clock placement (frames arrive at real-time
	// rate). The model track paces bursts at playback rate; only the first
	// chunk after a gap anchors to wall-clock.
	cursor [2]int
	// clock is injectable for testing.
	clock func() time.Time
}

// NewRecorder creates a debug audio recorder.
func NewRecorder(logger commons.Logger) *Recorder {
	return &Recorder{
		logger: logger,
		clock:  time.Now,
	}
}

// Start begins the recording session. Both tracks share this start time.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clock()
	r.started = true
}

func bytesPerSecond() int {
	return sampleRate * channels * audioBytesPerSample
}

// durationBytes converts a wall-clock duration to a frame-aligned PCM byte
// count.
func durationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(bytesPerSecond()))
	frameSize := audioBytesPerSample * channels
	return (raw / frameSize) * frameSize
}

// Record places one µ-law fragment on the given track at the current
// timeline position.
func (r *Recorder) Record(data []byte, track int) {
	if len(data) == 0 || (track != TrackCaller && track != TrackModel) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wallOffset := 0
	if r.started {
		wallOffset = durationBytes(r.clock().Sub(r.startTime))
	}

	var offset int
	switch track {
	case TrackCaller:
		offset = wallOffset
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}
	case TrackModel:
		// Model audio arrives in bursts faster than real time; pace
		// continuation chunks from the cursor so playback has no gaps.
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		} else {
			offset = wallOffset
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	r.chunks = append(r.chunks, chunk{
		ByteOffset: offset,
		Data:       buf,
		Track:      track,
	})
	// µ-law decodes 1:2 into PCM16; cursors are PCM byte positions.
	r.cursor[track] = offset + len(buf)*audioBytesPerSample
}

// Persist renders two WAV files, one per track, spanning the full session
// duration. Gaps are silence.
func (r *Recorder) Persist() (callerWAV, modelWAV []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) == 0 {
		return nil, nil, fmt.Errorf("no audio chunks to persist")
	}

	sessionBytes := 0
	if r.started {
		sessionBytes = durationBytes(r.clock().Sub(r.startTime))
	}

	totalLen := sessionBytes
	for _, c := range r.chunks {
		end := c.ByteOffset + len(c.Data)*audioBytesPerSample
		if end > totalLen {
			totalLen = end
		}
	}

	callerPCM := make([]byte, totalLen)
	modelPCM := make([]byte, totalLen)

	for _, c := range r.chunks {
		decoded := g711.DecodeUlaw(c.Data)
		dst := callerPCM
		if c.Track == TrackModel {
			dst = modelPCM
		}
		copy(dst[c.ByteOffset:], decoded)
	}

	r.logger.Debugw("audio persist",
		"chunks", len(r.chunks),
		"totalBytes", totalLen,
		"seconds", float64(totalLen)/float64(bytesPerSecond()),
	)

	return createWAVFile(callerPCM), createWAVFile(modelPCM), nil
}

func createWAVFile(pcmData []byte) []byte {
	var buf bytes.Buffer
	bps := sampleRate * channels * audioBytesPerSample

	buf.Write([]byte("RIFF"))
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.Write([]byte("WAVE"))

	buf.Write([]byte("fmt "))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(audioPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(bps))
	binary.Write(&buf, binary.LittleEndian, uint16(audioBytesPerSample*channels))
	binary.Write(&buf, binary.LittleEndian, uint16(audioBitsPerSample))

	buf.Write([]byte("data"))
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}
