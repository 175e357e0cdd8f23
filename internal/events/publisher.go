// Package events publishes run lifecycle notifications for external
// consumers. Publishing is best-effort; a failed publish never affects
// the run itself.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeRunStarted    = "run_started"
	TypeStageFinished = "stage_finished"
	TypeRunFinished   = "run_finished"
)

// Event is one run lifecycle notification.
type Event struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Agent    string    `json:"agent,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	ExitCode int       `json:"exit_code"`
	Status   string    `json:"status,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher delivers events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NoopPublisher discards all events (the default when no sink is
// configured).
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close()                               {}
