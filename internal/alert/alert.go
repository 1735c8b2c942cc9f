// Package alert implements the user decision point raised for scam verdicts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Title   = "Warning: Scam Detected"
	Message = "This call is identified as a scam. We recommend cutting the call immediately."
)

// ErrUnknownAlert is returned when resolving an alert that is not pending
var ErrUnknownAlert = errors.New("unknown or already resolved alert")

// Choice is the user's answer to an alert
type Choice string

const (
	ChoiceIgnore  Choice = "ignore"
	ChoiceCutCall Choice = "cut"
)

// Label returns the button text shown for the choice
func (c Choice) Label() string {
	switch c {
	case ChoiceCutCall:
		return "Cut Call"
	case ChoiceIgnore:
		return "Ignore"
	default:
		return string(c)
	}
}

// ParseChoice accepts "cut", "cut call", "c", "ignore" and "i" in any case
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cut", "cut call", "cut-call", "c":
		return ChoiceCutCall, nil
	case "ignore", "i":
		return ChoiceIgnore, nil
	default:
		return "", fmt.Errorf("invalid choice %q (expected cut or ignore)", s)
	}
}

// Alert is one pending decision for a scam verdict
type Alert struct {
	ID              string   `json:"id"`
	CallID          string   `json:"call_id"`
	Segment         int      `json:"segment"`
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	ScamProbability *float64 `json:"scam_probability,omitempty"`
	Transcription   string   `json:"transcription,omitempty"`
	// Stale is set when the session that produced the verdict already ended
	Stale    bool      `json:"stale"`
	RaisedAt time.Time `json:"raised_at"`
}

// New creates an alert with a fresh id and the standard wording
func New(callID string, segment int) Alert {
	return Alert{
		ID:       uuid.NewString(),
		CallID:   callID,
		Segment:  segment,
		Title:    Title,
		Message:  Message,
		RaisedAt: time.Now(),
	}
}

// Decider presents an alert and blocks until the user chooses or ctx ends.
// On error the choice is ChoiceIgnore.
type Decider interface {
	Decide(ctx context.Context, a Alert) (Choice, error)
}

// DeciderFunc adapts a function to Decider
type DeciderFunc func(ctx context.Context, a Alert) (Choice, error)

func (f DeciderFunc) Decide(ctx context.Context, a Alert) (Choice, error) {
	return f(ctx, a)
}
