package updater

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/halcyonlabs/outpost/pkg/coordinator"
)

// ErrNoBackup indicates a rollback with no backup artifact present.
var ErrNoBackup = errors.New("no backup artifact found")

// ErrEmptyArtifact indicates an update payload without code.
var ErrEmptyArtifact = errors.New("update payload has no artifact")

// Result describes the outcome of an Apply.
type Result struct {
	Status          string `json:"status"` // "current" or "updated"
	OldVersion      string `json:"old_version,omitempty"`
	NewVersion      string `json:"new_version,omitempty"`
	Version         string `json:"version,omitempty"`
	Backup          string `json:"backup,omitempty"`
	RestartRequired bool   `json:"restart_required"`
}

// Updater replaces the listener artifact on disk. The running process
// is never patched; an update lands next to it and takes effect on
// restart.
type Updater struct {
	targetPath     string
	currentVersion string
}

// New creates an Updater for the artifact at targetPath.
func New(targetPath, currentVersion string) *Updater {
	return &Updater{
		targetPath:     targetPath,
		currentVersion: currentVersion,
	}
}

func (u *Updater) backupPath() string {
	return u.targetPath + ".bak"
}

func (u *Updater) failedPath() string {
	return u.targetPath + ".failed"
}

// Apply installs an update fetched from the coordinator. A matching
// version short-circuits unless force is set. The previous artifact is
// kept at <target>.bak.
func (u *Updater) Apply(update *coordinator.ListenerUpdate, force bool) (Result, error) {
	if update.Code == "" {
		return Result{}, ErrEmptyArtifact
	}

	if update.Version == u.currentVersion && !force {
		log.Info().Str("version", u.currentVersion).Msg("Already at latest version")
		return Result{
			Status:  "current",
			Version: u.currentVersion,
		}, nil
	}

	if current, err := os.ReadFile(u.targetPath); err == nil {
		if err := os.WriteFile(u.backupPath(), current, 0700); err != nil {
			return Result{}, fmt.Errorf("backup failed: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("read current artifact: %w", err)
	}

	if err := os.WriteFile(u.targetPath, []byte(update.Code), 0700); err != nil {
		return Result{}, fmt.Errorf("write new artifact: %w", err)
	}

	log.Info().
		Str("old_version", u.currentVersion).
		Str("new_version", update.Version).
		Str("backup", u.backupPath()).
		Msg("Listener artifact updated")

	return Result{
		Status:          "updated",
		OldVersion:      u.currentVersion,
		NewVersion:      update.Version,
		Backup:          u.backupPath(),
		RestartRequired: true,
	}, nil
}

// RollbackResult describes the outcome of a Rollback.
type RollbackResult struct {
	Status          string `json:"status"`
	FailedSavedTo   string `json:"failed_saved_to"`
	RestartRequired bool   `json:"restart_required"`
}

// Rollback restores the backup artifact. The replaced artifact is kept
// at <target>.failed for inspection.
func (u *Updater) Rollback() (RollbackResult, error) {
	backup, err := os.ReadFile(u.backupPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RollbackResult{}, ErrNoBackup
		}
		return RollbackResult{}, fmt.Errorf("read backup: %w", err)
	}

	if current, err := os.ReadFile(u.targetPath); err == nil {
		if err := os.WriteFile(u.failedPath(), current, 0700); err != nil {
			return RollbackResult{}, fmt.Errorf("preserve failed artifact: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return RollbackResult{}, fmt.Errorf("read current artifact: %w", err)
	}

	if err := os.WriteFile(u.targetPath, backup, 0700); err != nil {
		return RollbackResult{}, fmt.Errorf("restore backup: %w", err)
	}

	log.Info().
		Str("failed", u.failedPath()).
		Msg("Listener artifact rolled back")

	return RollbackResult{
		Status:          "rolled_back",
		FailedSavedTo:   u.failedPath(),
		RestartRequired: true,
	}, nil
}
