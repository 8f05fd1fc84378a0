package services

import (
	"context"
	"errors"
	"fmt"
	"net"

	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/models"
)

var (
	ErrInvalidIP       = errors.New("invalid IP address")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// EventService durably timestamps each inbound request or connection
// attempt. Events are append-only and never deduplicated: every call counts
// toward every overlapping scope.
type EventService struct {
	db    *gorm.DB
	clock Clock
}

func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db, clock: StoreClock(db)}
}

// WithClock overrides the time source, for tests.
func (s *EventService) WithClock(clock Clock) *EventService {
	s.clock = clock
	return s
}

// Record appends a SecurityEvent at the current time. The caller bounds the
// call with its context; a recording failure is reported but callers treat
// it as non-fatal to an admission decision already made.
func (s *EventService) Record(ctx context.Context, ip, endpoint, apiKey, eventType string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if eventType == "" {
		eventType = models.EventRequest
	}

	now, err := s.clock()
	if err != nil {
		return err
	}

	event := models.SecurityEvent{
		IP:         ip,
		Endpoint:   optional(endpoint),
		APIKey:     optional(apiKey),
		EventType:  eventType,
		OccurredAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("record security event: %w", err)
	}
	return nil
}

// optional maps "" to NULL for the nullable event columns.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
