// Package lead defines the hand-off for visitor-submitted form data. Storage
// is external; the engine validates the submission and forwards it.
package lead

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Submission is one popup form submission.
type Submission struct {
	CampaignID string            `json:"campaign_id"`
	VisitorID  string            `json:"visitor_id"`
	SessionID  string            `json:"session_id"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// Validate checks the minimum the downstream consumer needs.
func (s *Submission) Validate() error {
	if s.CampaignID == "" {
		return fmt.Errorf("lead: campaign_id is required")
	}
	if !strings.Contains(s.Email, "@") {
		return fmt.Errorf("lead: valid email is required")
	}
	return nil
}

// Sink consumes validated submissions.
type Sink interface {
	Submit(ctx context.Context, s *Submission) error
}

// LogSink records submissions to the structured log; the development default.
type LogSink struct {
	Log *slog.Logger
}

func (l *LogSink) Submit(_ context.Context, s *Submission) error {
	l.Log.Info("lead submitted", "campaign_id", s.CampaignID, "visitor_id", s.VisitorID)
	return nil
}
