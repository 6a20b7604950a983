// Package release is the server-side catalog of published application manifests
// and the package files they reference.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go_fleet/internal/manifest"
	"go_fleet/internal/model"
)

var (
	// ErrReleaseNotFound is returned when no release matches
	ErrReleaseNotFound = errors.New("release not found")
	// ErrPackageNotFound is returned for unknown or unsafe package names
	ErrPackageNotFound = errors.New("package not found")
)

// Catalog stores manifests and resolves package files under a root directory
type Catalog struct {
	db         *gorm.DB
	packageDir string
	logger     *logrus.Entry
}

// NewCatalog creates a catalog. Package files live in packageDir/{appCode}/{file}.
func NewCatalog(db *gorm.DB, packageDir string, logger *logrus.Entry) *Catalog {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Catalog{
		db:         db,
		packageDir: packageDir,
		logger:     logger.WithField("component", "release-catalog"),
	}
}

// Publish validates m and stores it. Publishing the same release identity again
// replaces the stored manifest and makes it the latest release of the app.
func (c *Catalog) Publish(ctx context.Context, m *manifest.Manifest) (*model.AppRelease, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	policies := m.ConfigFilePolicies
	if policies == nil {
		policies = []manifest.ConfigFilePolicy{}
	}
	data, err := json.Marshal(policies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file policies: %w", err)
	}

	rel := model.AppRelease{
		AppCode:           m.AppCode,
		AppName:           m.AppName,
		BinaryVersion:     m.BinaryVersion,
		BinaryPackageName: m.BinaryPackageName,
		BinaryPackageHash: m.BinaryPackageHash,
		ConfigVersion:     m.ConfigVersion,
		ConfigPackageName: m.ConfigPackageName,
		ConfigPackageHash: m.ConfigPackageHash,
		MergeStrategy:     string(m.MergeStrategy),
		UpdateType:        string(m.UpdateType),
		ForceUpdate:       m.ForceUpdate,
		Executable:        m.Executable,
		FilePolicies:      datatypes.JSON(data),
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq int64
		if err := tx.Model(&model.AppRelease{}).
			Where("app_code = ?", m.AppCode).
			Select("COALESCE(MAX(publish_seq), 0)").
			Scan(&seq).Error; err != nil {
			return err
		}
		rel.PublishSeq = seq + 1

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "app_code"}, {Name: "update_type"},
				{Name: "binary_version"}, {Name: "config_version"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"app_name", "binary_package_name", "binary_package_hash",
				"config_package_name", "config_package_hash",
				"merge_strategy", "force_update", "executable",
				"file_policies", "publish_seq", "updated_at",
			}),
		}).Create(&rel).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish release: %w", err)
	}

	c.logger.Infof("Published %s binary %q config %q (%s)", m.AppCode, m.BinaryVersion, m.ConfigVersion, m.UpdateType)

	var stored model.AppRelease
	err = c.db.WithContext(ctx).
		Where("app_code = ? AND update_type = ? AND binary_version = ? AND config_version = ?",
			m.AppCode, m.UpdateType, m.BinaryVersion, m.ConfigVersion).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load published release: %w", err)
	}
	return &stored, nil
}

// Find returns the manifest of app at version. An empty version selects the most
// recently published release. A version matches the binary version of a binary or
// both release first, then the config version of any release, newest first.
func (c *Catalog) Find(ctx context.Context, appCode, version string) (*manifest.Manifest, error) {
	rel, err := c.find(ctx, appCode, version)
	if err != nil {
		return nil, err
	}
	return ToManifest(rel)
}

func (c *Catalog) find(ctx context.Context, appCode, version string) (*model.AppRelease, error) {
	db := c.db.WithContext(ctx)
	configOnly := string(manifest.UpdateTypeConfig)

	var rel model.AppRelease
	var err error
	if version == "" {
		err = db.Where("app_code = ?", appCode).
			Order("publish_seq DESC").Order("id DESC").
			First(&rel).Error
	} else {
		err = db.Where("app_code = ? AND update_type <> ? AND binary_version = ?", appCode, configOnly, version).
			Order("publish_seq DESC").
			First(&rel).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = db.Where("app_code = ? AND config_version = ?", appCode, version).
				Order("CASE WHEN update_type = '" + configOnly + "' THEN 0 ELSE 1 END").
				Order("publish_seq DESC").
				First(&rel).Error
		}
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReleaseNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// List returns the releases of an app, newest first
func (c *Catalog) List(ctx context.Context, appCode string) ([]model.AppRelease, error) {
	var rels []model.AppRelease
	err := c.db.WithContext(ctx).
		Where("app_code = ?", appCode).
		Order("publish_seq DESC").
		Order("id DESC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	return rels, nil
}

// ToManifest converts a stored release into the wire manifest
func ToManifest(rel *model.AppRelease) (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		AppCode:            rel.AppCode,
		AppName:            rel.AppName,
		BinaryVersion:      rel.BinaryVersion,
		BinaryPackageName:  rel.BinaryPackageName,
		BinaryPackageHash:  rel.BinaryPackageHash,
		ConfigVersion:      rel.ConfigVersion,
		ConfigPackageName:  rel.ConfigPackageName,
		ConfigPackageHash:  rel.ConfigPackageHash,
		MergeStrategy:      manifest.MergeStrategy(rel.MergeStrategy),
		UpdateType:         manifest.UpdateType(rel.UpdateType),
		ForceUpdate:        rel.ForceUpdate,
		Executable:         rel.Executable,
		ConfigFilePolicies: []manifest.ConfigFilePolicy{},
	}
	if len(rel.FilePolicies) > 0 {
		if err := json.Unmarshal(rel.FilePolicies, &m.ConfigFilePolicies); err != nil {
			return nil, fmt.Errorf("failed to decode file policies: %w", err)
		}
	}
	return m, nil
}

// PackagePath resolves a package file of an app. Names that would leave the app's
// package directory are rejected.
func (c *Catalog) PackagePath(appCode, file string) (string, error) {
	if !filepath.IsLocal(appCode) || !filepath.IsLocal(file) || filepath.Base(file) != file {
		return "", ErrPackageNotFound
	}
	path := filepath.Join(c.packageDir, appCode, file)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrPackageNotFound
	}
	return path, nil
}
