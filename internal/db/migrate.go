package db

import (
	"fmt"

	"go_fleet/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Models lists every table owned by the control plane
func Models() []interface{} {
	return []interface{}{
		&model.DeploymentTask{},
		&model.ClientMachine{},
		&model.AppRelease{},
		&model.InstallationLog{},
	}
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	logrus.Info("Starting database migration...")

	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.Infof("Database migration completed successfully (%d tables)", len(models))
	return nil
}
