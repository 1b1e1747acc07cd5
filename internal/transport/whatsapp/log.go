package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogAdapter struct {
	logger *slog.Logger
}

// NewLogger routes whatsmeow's printf-style logging into slog.
func NewLogger(logger *slog.Logger, module string) waLog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogAdapter{logger: logger.With("module", module)}
}

func (a slogAdapter) Errorf(msg string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(msg, args...))
}

func (a slogAdapter) Warnf(msg string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(msg, args...))
}

func (a slogAdapter) Infof(msg string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(msg, args...))
}

func (a slogAdapter) Debugf(msg string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(msg, args...))
}

func (a slogAdapter) Sub(module string) waLog.Logger {
	return slogAdapter{logger: a.logger.With("submodule", module)}
}
