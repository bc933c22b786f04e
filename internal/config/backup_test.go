package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeUserConfig(t *testing.T, content string) string {
	t.Helper()
	path := GetUserConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestBackupUserConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	t.Run("no config exists", func(t *testing.T) {
		backupPath, err := BackupUserConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if backupPath != "" {
			t.Errorf("expected empty backup path, got %s", backupPath)
		}
	})

	t.Run("backup existing config", func(t *testing.T) {
		content := "version: 1\nbackend:\n  kind: local\n"
		writeUserConfig(t, content)

		backupPath, err := BackupUserConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := os.ReadFile(backupPath)
		if err != nil {
			t.Fatalf("failed to read backup: %v", err)
		}
		if string(got) != content {
			t.Errorf("backup content mismatch:\ngot: %s\nwant: %s", got, content)
		}
	})
}

func TestListUserConfigBackups_PrunesToMax(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	writeUserConfig(t, "version: 1\n")

	var made []string
	for range MaxBackups + 2 {
		p, err := BackupUserConfig()
		if err != nil {
			t.Fatalf("backup failed: %v", err)
		}
		made = append(made, p)
	}

	backups, err := ListUserConfigBackups()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(backups) != MaxBackups {
		t.Fatalf("expected %d backups, got %d", MaxBackups, len(backups))
	}
	if backups[0] != made[len(made)-1] {
		t.Errorf("expected newest backup first, got %s", backups[0])
	}
	if _, err := os.Stat(made[0]); !os.IsNotExist(err) {
		t.Errorf("expected oldest backup to be pruned")
	}
}

func TestListUserConfigBackups_NoDirectory(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "missing"))

	backups, err := ListUserConfigBackups()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("expected no backups, got %v", backups)
	}
}

func TestRestoreUserConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	writeUserConfig(t, "version: 1\nlogging:\n  level: debug\n")

	backupPath, err := BackupUserConfig()
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	writeUserConfig(t, "version: 1\nlogging:\n  level: error\n")

	if err := RestoreUserConfig(backupPath); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected restored level debug, got %s", cfg.Logging.Level)
	}

	backups, _ := ListUserConfigBackups()
	if len(backups) != 2 {
		t.Errorf("expected the replaced config to be backed up too, got %d backups", len(backups))
	}
}

func TestRestoreUserConfig_RejectsBrokenBackup(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	original := "version: 1\n"
	path := writeUserConfig(t, original)

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(broken, []byte("executor: [not, a, map"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := RestoreUserConfig(broken); err == nil {
		t.Fatal("expected error for unparsable backup")
	}
	got, _ := os.ReadFile(path)
	if string(got) != original {
		t.Errorf("user config changed after failed restore: %s", got)
	}
}

func TestInitUserConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, backup, err := InitUserConfig("", false)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if backup != "" {
		t.Errorf("expected no backup on first init, got %s", backup)
	}
	if !UserConfigExists() || path != GetUserConfigPath() {
		t.Fatalf("expected config written to %s", GetUserConfigPath())
	}

	if _, _, err := InitUserConfig("", false); err == nil {
		t.Error("expected error when config exists without force")
	}

	_, backup, err = InitUserConfig("version: 1\n", true)
	if err != nil {
		t.Fatalf("forced init failed: %v", err)
	}
	if backup == "" {
		t.Error("expected forced init to back up the existing config")
	}
	if got, _ := os.ReadFile(GetUserConfigPath()); string(got) != "version: 1\n" {
		t.Errorf("expected template to be written, got %q", got)
	}
}
