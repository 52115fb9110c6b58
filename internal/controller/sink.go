package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/safety"
)

// Command is the state one fixture should be set to for a frame.
type Command struct {
	FixtureID string
	Mixing    fixture.Mixing
	RGB       fixture.RGB
	// Color and ColorName are the wheel slot for mechanical fixtures.
	Color     uint8
	ColorName string
	Dimmer    float64
	Shutter   uint8
	Strobe    bool
	Blocked   bool
	Latched   bool
	Reason    safety.Reason
}

// Sink receives fixture commands once per frame.
type Sink interface {
	Send(ctx context.Context, ts time.Duration, cmds []Command) error
}

// LogSink writes fixture commands to a structured logger. Only commands that
// differ from the previous one sent to the same fixture are logged.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]Command
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, last: make(map[string]Command)}
}

func (s *LogSink) Send(ctx context.Context, ts time.Duration, cmds []Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range cmds {
		if prev, ok := s.last[cmd.FixtureID]; ok && sameOutput(prev, cmd) {
			continue
		}
		s.last[cmd.FixtureID] = cmd
		s.logger.LogAttrs(ctx, slog.LevelDebug, "fixture command",
			slog.Duration("ts", ts),
			slog.String("fixture", cmd.FixtureID),
			slog.String("mixing", cmd.Mixing.String()),
			slog.Int("color", int(cmd.Color)),
			slog.String("color_name", cmd.ColorName),
			slog.Any("rgb", []uint8{cmd.RGB.R, cmd.RGB.G, cmd.RGB.B}),
			slog.Int("dimmer", int(cmd.Dimmer*255+0.5)),
			slog.Int("shutter", int(cmd.Shutter)),
			slog.Bool("blocked", cmd.Blocked),
			slog.String("reason", cmd.Reason.String()))
	}
	return nil
}

// sameOutput ignores dimmer jitter below one DMX step.
func sameOutput(a, b Command) bool {
	return a.RGB == b.RGB &&
		a.Color == b.Color &&
		a.Shutter == b.Shutter &&
		a.Blocked == b.Blocked &&
		int(a.Dimmer*255+0.5) == int(b.Dimmer*255+0.5)
}
