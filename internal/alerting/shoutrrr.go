package alerting

import (
	"fmt"

	"github.com/containrrr/shoutrrr"

	"github.com/opsnotes/warden/internal/logger"
)

// ShoutrrrEmitter fans one alert out to every configured shoutrrr URL
// (discord, slack, smtp, gotify, ...). Delivery is best-effort: a failed
// send is logged and never changes a decision already made.
type ShoutrrrEmitter struct {
	urls []string
	send func(url, message string) error
}

// NewShoutrrrEmitter builds an emitter for the given delivery URLs.
func NewShoutrrrEmitter(urls []string) *ShoutrrrEmitter {
	return &ShoutrrrEmitter{urls: urls, send: shoutrrr.Send}
}

func (e *ShoutrrrEmitter) Emit(component, level, dedupKey, message string) error {
	msg := fmt.Sprintf("[%s] %s\n\n%s", level, component, message)
	var firstErr error
	for _, url := range e.urls {
		if err := e.send(url, msg); err != nil {
			logger.Log().WithError(err).Warn("alert delivery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
