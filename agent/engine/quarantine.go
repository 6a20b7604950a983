package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go_fleet/agent/config"
	"go_fleet/internal/dto"
	"go_fleet/internal/fsutil"
)

// FailureMarker is the quarantine record left by a rolled back update
type FailureMarker struct {
	FailedVersion string    `json:"failedVersion"`
	Timestamp     time.Time `json:"timestamp"`
	ErrorType     string    `json:"errorType"`
	Error         string    `json:"error,omitempty"`
}

// HasUpdateFailedBefore returns the quarantine marker of app, or nil when the
// application is not quarantined. A marker that cannot be parsed still quarantines.
func (e *Engine) HasUpdateFailedBefore(app string) (*FailureMarker, error) {
	if !config.ValidAppCode(app) {
		return nil, ErrInvalidAppCode
	}
	data, err := os.ReadFile(e.layout.MarkerPath(app))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var m FailureMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return &FailureMarker{ErrorType: "Unknown", Error: "unreadable quarantine marker"}, nil
	}
	return &m, nil
}

// ClearQuarantine removes the quarantine marker of app
func (e *Engine) ClearQuarantine(app string) error {
	if !config.ValidAppCode(app) {
		return ErrInvalidAppCode
	}
	if err := os.Remove(e.layout.MarkerPath(app)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}
	return nil
}

// ReportBlocked records a refused update with the control plane. Update itself never
// contacts the server for a quarantined application; callers that already talk to the
// server may report the refusal through here.
func (e *Engine) ReportBlocked(ctx context.Context, res Result) {
	if !res.Quarantined {
		return
	}
	e.report(ctx, dto.ActionUpdateBlocked, res)
}

func (e *Engine) writeMarker(app string, m FailureMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFile(e.layout.MarkerPath(app), data, 0644)
}
