package version

import (
	"regexp"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	// Given: the version set at build time, or "dev" without ldflags
	if Version == "dev" {
		return
	}

	// Then: it follows X.Y.Z or X.Y.Z-suffix
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semver.MatchString(Version), "got: %s", Version)
}

func TestString_IncludesBuildInfo(t *testing.T) {
	// When: formatting the version
	s := String()

	// Then: program name, version and commit are present
	assert.Contains(t, s, "indexsync "+Version)
	assert.Contains(t, s, "commit: "+Commit)
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestGetInfo_MatchesVariables(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Short(), info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, GoVersion, info.GoVersion)
}

func TestApplyBuildInfo_FillsUnsetValues(t *testing.T) {
	// Given: no ldflags values
	saveVersion, saveCommit, saveDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = saveVersion, saveCommit, saveDate })
	Version, Commit, Date = "dev", "unknown", "unknown"

	// When: applying the data of a go install build from a modified tree
	applyBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	// Then
	assert.Equal(t, "1.4.0", Version)
	assert.Equal(t, "0123456789ab-dirty", Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", Date)
}

func TestApplyBuildInfo_KeepsLdflagsValues(t *testing.T) {
	saveVersion, saveCommit, saveDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = saveVersion, saveCommit, saveDate })
	Version, Commit, Date = "2.0.0", "abc123", "2026-03-01T00:00:00Z"

	applyBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "ffffffffffff"},
			{Key: "vcs.time", Value: "2020-01-01T00:00:00Z"},
		},
	})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "abc123", Commit)
	assert.Equal(t, "2026-03-01T00:00:00Z", Date)
}
