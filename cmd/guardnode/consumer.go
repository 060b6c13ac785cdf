package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// logConsumer stands in for a real channel consumer and only logs attach and
// detach events.
type logConsumer struct {
	logger *slog.Logger

	mu         sync.Mutex
	attachedAt time.Time
}

func newLogConsumer(logger *slog.Logger) *logConsumer {
	return &logConsumer{logger: logger}
}

func (c *logConsumer) Start(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attachedAt.IsZero() {
		c.attachedAt = time.Now()
		c.logger.Info("consumer attached")
	}
	return true
}

func (c *logConsumer) Stop(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attachedAt.IsZero() {
		c.logger.Info("consumer detached", "attached_for", time.Since(c.attachedAt).Round(time.Second))
		c.attachedAt = time.Time{}
	}
	return true
}
