package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Aman-CERP/indexsync/internal/errors"
)

const (
	// MaxBackups is the number of user config backups kept.
	MaxBackups = 3

	// BackupSuffix precedes the timestamp of a backup file name.
	BackupSuffix = ".bak"
)

// backupStamp is sortable, so name order is age order.
const backupStamp = "20060102-150405.000000000"

// InitUserConfig writes template to the user config path, or the marshalled
// defaults when template is empty. An existing file is kept unless force is
// set, in which case it is backed up first. It returns the written path and
// the backup path, if any.
func InitUserConfig(template string, force bool) (path, backup string, err error) {
	path = GetUserConfigPath()
	if UserConfigExists() {
		if !force {
			return path, "", errors.ConfigError("user config already exists", nil).
				WithDetail("path", path).
				WithSuggestion("rerun with --force to back it up and overwrite it")
		}
		if backup, err = BackupUserConfig(); err != nil {
			return path, "", err
		}
	}
	if template == "" {
		return path, backup, NewConfig().WriteYAML(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, backup, errors.ConfigError("failed to create config directory", err)
	}
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return path, backup, errors.ConfigError("failed to write config file", err)
	}
	return path, backup, nil
}

// BackupUserConfig copies the user config to a timestamped backup next to it
// and prunes backups beyond MaxBackups. Without a user config it returns "".
func BackupUserConfig() (string, error) {
	configPath := GetUserConfigPath()
	if !UserConfigExists() {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", errors.ConfigError("failed to read config for backup", err)
	}

	backupPath := configPath + BackupSuffix + "." + time.Now().Format(backupStamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", errors.ConfigError("failed to write config backup", err)
	}

	// Pruning is best effort; the backup itself succeeded.
	_ = pruneBackups()

	return backupPath, nil
}

// ListUserConfigBackups returns the user config backups, newest first.
func ListUserConfigBackups() ([]string, error) {
	configPath := GetUserConfigPath()
	dir := filepath.Dir(configPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.ConfigError("failed to list config directory", err)
	}

	prefix := filepath.Base(configPath) + BackupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}

	slices.Sort(backups)
	slices.Reverse(backups)
	return backups, nil
}

func pruneBackups() error {
	backups, err := ListUserConfigBackups()
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, old := range backups[MaxBackups:] {
		_ = os.Remove(old)
	}
	return nil
}

// RestoreUserConfig replaces the user config with backupPath after backing
// up the current one. The backup must parse as a config file.
func RestoreUserConfig(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return errors.ConfigError("backup file not found", err).WithDetail("path", backupPath)
	}

	candidate := NewConfig()
	if err := candidate.loadYAML(backupPath); err != nil {
		return err
	}

	if _, err := BackupUserConfig(); err != nil {
		return err
	}

	if err := os.MkdirAll(GetUserConfigDir(), 0o755); err != nil {
		return errors.ConfigError("failed to create config directory", err)
	}
	if err := os.WriteFile(GetUserConfigPath(), data, 0o644); err != nil {
		return errors.ConfigError("failed to write restored config", err)
	}
	return nil
}
