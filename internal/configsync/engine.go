// Package configsync applies a freshly unpacked config package to an application's
// live Config directory using one of the manifest merge strategies.
package configsync

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"go_fleet/internal/docmerge"
	"go_fleet/internal/fsutil"
	"go_fleet/internal/manifest"
)

// ErrUnknownStrategy is returned for a merge strategy outside the known set
var ErrUnknownStrategy = errors.New("unknown merge strategy")

// Engine applies config updates
type Engine struct {
	logger *logrus.Entry

	// AllowUnknownStrategy downgrades an unknown strategy to PreserveLocal
	// instead of failing. Kept for manifests published before strategies were validated.
	AllowUnknownStrategy bool
}

// NewEngine creates a config update engine
func NewEngine(logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{logger: logger.WithField("component", "configsync")}
}

// Apply updates localDir from incomingDir. Per-file merge failures degrade to a server
// overwrite; any other failure aborts and is returned.
func (e *Engine) Apply(localDir, incomingDir string, strategy manifest.MergeStrategy, policies []manifest.ConfigFilePolicy) error {
	info, err := os.Stat(incomingDir)
	if err != nil {
		return fmt.Errorf("incoming config dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("incoming config dir %s is not a directory", incomingDir)
	}

	switch strategy {
	case manifest.StrategyReplaceAll:
		return e.replaceAll(localDir, incomingDir)
	case manifest.StrategyPreserveLocal:
		return e.preserveLocal(localDir, incomingDir)
	case manifest.StrategySelective:
		return e.selective(localDir, incomingDir, policies, false)
	case manifest.StrategyMerge:
		return e.selective(localDir, incomingDir, policies, true)
	}

	if !e.AllowUnknownStrategy {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	e.logger.Warnf("Unknown merge strategy %q, falling back to %s", strategy, manifest.StrategyPreserveLocal)
	return e.preserveLocal(localDir, incomingDir)
}

func (e *Engine) replaceAll(localDir, incomingDir string) error {
	if err := os.RemoveAll(localDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", localDir, err)
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", localDir, err)
	}
	if err := fsutil.CopyDir(incomingDir, localDir); err != nil {
		return fmt.Errorf("failed to copy config: %w", err)
	}
	return nil
}

func (e *Engine) preserveLocal(localDir, incomingDir string) error {
	files, err := fsutil.Files(incomingDir)
	if err != nil {
		return fmt.Errorf("failed to list incoming config: %w", err)
	}

	copied := 0
	for _, rel := range files {
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if fsutil.Exists(dst) {
			continue
		}
		if err := fsutil.CopyFile(filepath.Join(incomingDir, filepath.FromSlash(rel)), dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		copied++
	}

	e.logger.Infof("PreserveLocal: %d new files copied, %d kept", copied, len(files)-copied)
	return nil
}

// selective handles both Selective and Merge. With mergeOnly set only policies whose
// update policy is merge are applied.
func (e *Engine) selective(localDir, incomingDir string, policies []manifest.ConfigFilePolicy, mergeOnly bool) error {
	files, err := fsutil.Files(incomingDir)
	if err != nil {
		return fmt.Errorf("failed to list incoming config: %w", err)
	}

	for _, p := range policies {
		if mergeOnly && p.UpdatePolicy != manifest.PolicyMerge {
			continue
		}

		matches, err := resolve(files, p.Name)
		if err != nil {
			e.logger.Warnf("Skipping policy %q: %v", p.Name, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("Config file %q not found in package, skipped", p.Name)
			continue
		}

		for _, rel := range matches {
			src := filepath.Join(incomingDir, filepath.FromSlash(rel))
			dst := filepath.Join(localDir, filepath.FromSlash(rel))
			if err := e.applyPolicy(p, src, dst); err != nil {
				return fmt.Errorf("config file %s: %w", rel, err)
			}
		}
	}
	return nil
}

func (e *Engine) applyPolicy(p manifest.ConfigFilePolicy, src, dst string) error {
	switch p.UpdatePolicy {
	case manifest.PolicyReplace:
		return fsutil.CopyFile(src, dst)
	case manifest.PolicyPreserve:
		if fsutil.Exists(dst) {
			return nil
		}
		return fsutil.CopyFile(src, dst)
	case manifest.PolicyMerge:
		return e.mergeFile(src, dst, p.EffectivePriority() == manifest.PriorityServer)
	default:
		e.logger.Warnf("Unknown update policy %q for %q, skipped", p.UpdatePolicy, p.Name)
		return nil
	}
}

// mergeFile merges the server file into the local one. Any failure of the merge itself
// falls back to overwriting with the server file.
func (e *Engine) mergeFile(serverPath, localPath string, serverWins bool) error {
	if !fsutil.IsFile(localPath) {
		return fsutil.CopyFile(serverPath, localPath)
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(localPath); err == nil {
		perm = info.Mode().Perm()
	}

	merged, err := docmerge.MergeFiles(localPath, serverPath, serverWins)
	if err == nil {
		err = fsutil.WriteFile(localPath, merged, perm)
	}
	if err != nil {
		e.logger.Warnf("Merge of %s failed, using server copy: %v", filepath.Base(localPath), err)
		return fsutil.CopyFile(serverPath, localPath)
	}
	return nil
}

// resolve maps a policy name to incoming files (slash separated relative paths).
// Glob names match every file; a plain name is looked up as a relative path and,
// when it has no directory part, by base name anywhere in the tree.
func resolve(files []string, name string) ([]string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if name == "" {
		return nil, errors.New("empty name")
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return nil, errors.New("name escapes the config directory")
	}

	if strings.ContainsAny(name, "*?[{") {
		g, err := glob.Compile(name, '/')
		if err != nil {
			return nil, fmt.Errorf("bad pattern: %w", err)
		}
		var out []string
		for _, f := range files {
			if g.Match(f) {
				out = append(out, f)
			}
		}
		return out, nil
	}

	for _, f := range files {
		if f == name {
			return []string{f}, nil
		}
	}
	if strings.Contains(name, "/") {
		return nil, nil
	}
	for _, f := range files {
		if path.Base(f) == name {
			return []string{f}, nil
		}
	}
	return nil, nil
}
