// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes reasoning records to a message bus.
//
// Publication happens after the record is durably written and is best
// effort: the guardrail engine logs a failed publish and carries on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
)

// DefaultSubjectPrefix is the subject prefix of published records.
const DefaultSubjectPrefix = "guardloop.reasoning"

// Config configures the NATS publisher.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// SubjectPrefix is followed by ".<decision>" on each record. Empty
	// means DefaultSubjectPrefix.
	SubjectPrefix string

	// Name is the client connection name.
	Name string

	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher publishes reasoning records as JSON on
// "<prefix>.<decision>", e.g. "guardloop.reasoning.rerun".
//
// Thread Safety: NATSPublisher is safe for concurrent use.
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to cfg.URL.
//
// Outputs:
//
//	*NATSPublisher - The publisher. Call Close when done.
//	error - Non-nil if the connection cannot be established.
func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject rec is published on.
func (p *NATSPublisher) Subject(rec guardrail.RerunReasoning) string {
	return p.prefix + "." + string(rec.Decision)
}

// Publish implements guardrail.Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, rec guardrail.RerunReasoning) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reasoning %s: %w", rec.LoopID, err)
	}
	subject := p.Subject(rec)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Reasoning published",
		slog.String("subject", subject),
		slog.String("loop_id", rec.LoopID),
		slog.Int64("sequence", rec.Sequence))
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close(ctx context.Context) error {
	if err := p.nc.FlushWithContext(ctx); err != nil {
		p.logger.Warn("NATS flush failed", slog.String("error", err.Error()))
	}
	return p.nc.Drain()
}

// Nop discards every record.
type Nop struct{}

// Publish implements guardrail.Publisher.
func (Nop) Publish(context.Context, guardrail.RerunReasoning) error { return nil }
