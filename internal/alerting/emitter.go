package alerting

import (
	"github.com/sirupsen/logrus"

	"github.com/opsnotes/warden/internal/logger"
)

// Alert levels understood by the command center's notification pipeline.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// Emitter is the boundary to the external alert pipeline. Warden decides
// when to emit and what dedup key to use; delivery, formatting and retries
// belong to the collaborator behind this interface.
type Emitter interface {
	Emit(component, level, dedupKey, message string) error
}

// LogEmitter writes alerts to the process log. It is the fallback when no
// delivery URLs are configured and the sink of choice in tests.
type LogEmitter struct{}

func (LogEmitter) Emit(component, level, dedupKey, message string) error {
	logger.WithFields(logrus.Fields{
		"component": component,
		"level":     level,
		"dedup_key": dedupKey,
	}).Info(message)
	return nil
}
