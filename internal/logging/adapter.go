package logging

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogAdapter exposes an slog.Logger through the printf-style logger
// interfaces used by third-party clients (the Kafka writer in particular).
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter creates a new SlogAdapter wrapping the given slog.Logger.
// Printf calls are emitted at the given level. If logger is nil, slog.Default() is used.
func NewSlogAdapter(logger *slog.Logger, level slog.Level) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger, level: level}
}

// Printf formats the message and logs it at the adapter's level.
func (a *SlogAdapter) Printf(format string, args ...interface{}) {
	a.logger.Log(context.Background(), a.level, fmt.Sprintf(format, args...))
}

// Logger returns the underlying slog.Logger for direct access when needed.
func (a *SlogAdapter) Logger() *slog.Logger {
	return a.logger
}

// Infof logs a formatted message at info level. Together with Errorf it
// satisfies mcp-go's util.Logger.
func (a *SlogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at error level.
func (a *SlogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}
