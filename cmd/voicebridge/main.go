// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/config"
	internal_callstate "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/callstate"
	internal_pendingctx "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/pendingctx"
	internal_router "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/router"
	internal_twilio_telephony "github.com/ConnorCallison/openclaw-voice-gpt-realtime/internal/telephony/twilio"
	"github.com/ConnorCallison/openclaw-voice-gpt-realtime/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithFile(cfg.LogFile))
	}
	logger := commons.NewApplicationLogger(loggerOpts...)
	defer logger.Sync()

	logger.Infow("starting",
		"service", cfg.ServiceName,
		"host", cfg.Host,
		"port", cfg.Port,
		"publicHost", cfg.PublicHost,
		"inboundPolicy", cfg.InboundPolicy,
	)

	store := internal_callstate.NewStore(logger)
	store.RegisterCompletionHandler(func(ev internal_callstate.CompletionEvent) {
		logger.Infow("call completed",
			"callId", ev.CallID,
			"counterpart", ev.CounterpartNumber,
			"status", ev.Status,
			"durationSeconds", ev.DurationSeconds,
			"turns", len(ev.Transcript),
			"hasOutcome", ev.Outcome != nil,
		)
	})

	registry := internal_pendingctx.NewRegistry(logger, cfg.AttachTimeout)

	originator, err := internal_twilio_telephony.NewOriginator(logger, internal_twilio_telephony.ClientConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		PublicHost: cfg.PublicHost,
	})
	if err != nil {
		logger.Errorw("failed to build call originator", "error", err)
		return
	}

	r := internal_router.New(logger, cfg, store, registry, originator, nil)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.Register(engine)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down")

	r.ShutdownAll("service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown incomplete", "error", err)
	}
}
