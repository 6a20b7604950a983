// Package liveness keeps the machine registry and classifies machines as online,
// busy or offline from their last heartbeat.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go_fleet/internal/dto"
	"go_fleet/internal/model"
)

// ErrMachineNotFound is returned for heartbeats from unregistered machines
var ErrMachineNotFound = errors.New("machine not found")

// DefaultThreshold is how long a heartbeat keeps a machine online
const DefaultThreshold = 2 * time.Minute

// Config holds the tracker settings
type Config struct {
	Threshold time.Duration
	Logger    *logrus.Entry
	Now       func() time.Time
}

// Tracker records registrations and heartbeats
type Tracker struct {
	db        *gorm.DB
	threshold time.Duration
	logger    *logrus.Entry
	now       func() time.Time
}

// NewTracker creates a liveness tracker
func NewTracker(db *gorm.DB, cfg Config) *Tracker {
	t := &Tracker{
		db:        db,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if t.threshold <= 0 {
		t.threshold = DefaultThreshold
	}
	if t.logger == nil {
		t.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	t.logger = t.logger.WithField("component", "liveness")
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Threshold returns the online window
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Register creates the machine or refreshes its facts. registeredAt is only set on
// first registration.
func (t *Tracker) Register(ctx context.Context, req dto.RegisterMachineRequest) (*model.ClientMachine, error) {
	if req.MachineID == "" {
		return nil, errors.New("machineId is required")
	}

	apps, err := encodeApps(req.InstalledApps)
	if err != nil {
		return nil, err
	}

	now := t.now()
	m := model.ClientMachine{
		MachineID:     req.MachineID,
		MachineName:   req.MachineName,
		IPAddress:     req.IPAddress,
		Hostname:      req.Hostname,
		OSVersion:     req.OSVersion,
		Arch:          req.Arch,
		CPUCores:      req.CPUCores,
		MemoryBytes:   req.MemoryBytes,
		Status:        model.MachineStatusOnline,
		LastHeartbeat: &now,
		RegisteredAt:  now,
		InstalledApps: apps,
		ClientVersion: req.ClientVersion,
	}

	err = t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "machine_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"machine_name", "ip_address", "hostname", "os_version", "arch",
			"cpu_cores", "memory_bytes", "status", "last_heartbeat",
			"installed_apps", "client_version", "updated_at",
		}),
	}).Create(&m).Error
	if err != nil {
		return nil, fmt.Errorf("failed to register machine: %w", err)
	}

	t.logger.Infof("Machine %s (%s) registered", req.MachineID, req.MachineName)
	return t.Get(ctx, req.MachineID)
}

// Heartbeat stamps lastHeartbeat and marks the machine online, or busy while the
// client reports it is processing a task.
func (t *Tracker) Heartbeat(ctx context.Context, req dto.HeartbeatRequest) error {
	status := model.MachineStatusOnline
	if req.Busy {
		status = model.MachineStatusBusy
	}

	updates := map[string]interface{}{
		"last_heartbeat": t.now(),
		"status":         status,
	}
	if req.IPAddress != "" {
		updates["ip_address"] = req.IPAddress
	}
	if req.ClientVersion != "" {
		updates["client_version"] = req.ClientVersion
	}
	if req.InstalledApps != nil {
		apps, err := encodeApps(req.InstalledApps)
		if err != nil {
			return err
		}
		updates["installed_apps"] = apps
	}

	result := t.db.WithContext(ctx).Model(&model.ClientMachine{}).
		Where("machine_id = ?", req.MachineID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// IsOnline reports whether the machine's last heartbeat is within the threshold
func (t *Tracker) IsOnline(m *model.ClientMachine, now time.Time) bool {
	return m.LastHeartbeat != nil && now.Sub(*m.LastHeartbeat) <= t.threshold
}

// Classify computes the status of a machine at now
func (t *Tracker) Classify(m *model.ClientMachine, now time.Time) model.MachineStatus {
	if !t.IsOnline(m, now) {
		return model.MachineStatusOffline
	}
	if m.Status == model.MachineStatusBusy {
		return model.MachineStatusBusy
	}
	return model.MachineStatusOnline
}

// MarkOffline flips machines flagged online whose heartbeat expired. Busy and
// offline machines are left alone.
func (t *Tracker) MarkOffline(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-t.threshold)
	result := t.db.WithContext(ctx).Model(&model.ClientMachine{}).
		Where("status = ?", model.MachineStatusOnline).
		Where("(last_heartbeat IS NULL OR last_heartbeat < ?)", cutoff).
		Update("status", model.MachineStatusOffline)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark machines offline: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		t.logger.Infof("Marked %d machines offline", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// Get loads a machine by machine id
func (t *Tracker) Get(ctx context.Context, machineID string) (*model.ClientMachine, error) {
	var m model.ClientMachine
	if err := t.db.WithContext(ctx).Where("machine_id = ?", machineID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMachineNotFound
		}
		return nil, err
	}
	m.Online = t.IsOnline(&m, t.now())
	return &m, nil
}

// List returns machines, optionally filtered by stored status
func (t *Tracker) List(ctx context.Context, status model.MachineStatus) ([]model.ClientMachine, error) {
	q := t.db.WithContext(ctx).Order("machine_name ASC").Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var machines []model.ClientMachine
	if err := q.Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}

	now := t.now()
	for i := range machines {
		machines[i].Online = t.IsOnline(&machines[i], now)
	}
	return machines, nil
}

// Statistics summarizes the fleet
type Statistics struct {
	Total              int64      `json:"total"`
	Online             int64      `json:"online"`
	Offline            int64      `json:"offline"`
	Busy               int64      `json:"busy"`
	LatestRegistration *time.Time `json:"latestRegistration,omitempty"`
}

// Statistics classifies every machine in one scan
func (t *Tracker) Statistics(ctx context.Context) (*Statistics, error) {
	var machines []model.ClientMachine
	err := t.db.WithContext(ctx).
		Select("id", "status", "last_heartbeat", "registered_at").
		Find(&machines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan machines: %w", err)
	}

	now := t.now()
	stats := &Statistics{Total: int64(len(machines))}
	for i := range machines {
		m := &machines[i]
		switch t.Classify(m, now) {
		case model.MachineStatusOnline:
			stats.Online++
		case model.MachineStatusBusy:
			stats.Busy++
		default:
			stats.Offline++
		}
		if stats.LatestRegistration == nil || m.RegisteredAt.After(*stats.LatestRegistration) {
			reg := m.RegisteredAt
			stats.LatestRegistration = &reg
		}
	}
	return stats, nil
}

// InstalledApps decodes the installed application list of a machine
func InstalledApps(m *model.ClientMachine) []string {
	var apps []string
	if len(m.InstalledApps) > 0 {
		_ = json.Unmarshal(m.InstalledApps, &apps)
	}
	return apps
}

func encodeApps(apps []string) (datatypes.JSON, error) {
	if apps == nil {
		apps = []string{}
	}
	data, err := json.Marshal(apps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode installed apps: %w", err)
	}
	return datatypes.JSON(data), nil
}
