// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package utils

import (
	"context"
	"runtime/debug"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Go runs fn in a goroutine with panic recovery. A panicking call leg must
// never take down the process while other calls are live.
func Go(ctx context.Context, logger commons.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("recovered panic in goroutine",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		select {
		case <-ctx.Done():
			return
		default:
		}
		fn()
	}()
}
