// Package installlog stores the advisory outcome notifications sent by clients.
package installlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_fleet/internal/dto"
	"go_fleet/internal/model"
)

// Store persists installation outcomes
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewStore creates an installation log store
func NewStore(db *gorm.DB, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{db: db, logger: logger.WithField("component", "installlog")}
}

// Record stores one outcome report
func (s *Store) Record(ctx context.Context, r dto.InstallationReport) (*model.InstallationLog, error) {
	if r.AppCode == "" || r.Action == "" {
		return nil, errors.New("appCode and action are required")
	}

	entry := &model.InstallationLog{
		AppCode:         r.AppCode,
		Version:         r.Version,
		OldVersion:      r.OldVersion,
		Action:          r.Action,
		UserName:        r.UserName,
		MachineName:     r.MachineName,
		Success:         r.Success,
		Error:           r.Error,
		DurationSeconds: r.DurationSeconds,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to record installation: %w", err)
	}

	if !r.Success {
		s.logger.Warnf("%s %s %s failed on %s: %s", r.Action, r.AppCode, r.Version, r.MachineName, r.Error)
	}
	return entry, nil
}

// Filter narrows List results
type Filter struct {
	AppCode     string `form:"appCode"`
	MachineName string `form:"machineName"`
	Action      string `form:"action"`
	Limit       int    `form:"limit"`
}

// List returns the newest outcomes first
func (s *Store) List(ctx context.Context, f Filter) ([]model.InstallationLog, error) {
	q := s.db.WithContext(ctx).Model(&model.InstallationLog{})
	if f.AppCode != "" {
		q = q.Where("app_code = ?", f.AppCode)
	}
	if f.MachineName != "" {
		q = q.Where("machine_name = ?", f.MachineName)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	var logs []model.InstallationLog
	if err := q.Order("id DESC").Limit(f.Limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	return logs, nil
}
