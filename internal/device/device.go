// Package device opens the local microphone and speaker through miniaudio
package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/wellnessai/voice-bridge/internal/observability"
)

// Context owns the audio backend. Close it after every device it opened.
type Context struct {
	ctx    *malgo.AllocatedContext
	logger zerolog.Logger
}

// NewContext initialises the platform audio backend
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Context{
		ctx:    ctx,
		logger: observability.GetLogger().With().Str("component", "device").Logger(),
	}, nil
}

// Close releases the backend
func (c *Context) Close() {
	_ = c.ctx.Uninit()
	c.ctx.Free()
}
