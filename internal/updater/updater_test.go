package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, indexURL string) *config.UpdatesConfig {
	t.Helper()
	root := t.TempDir()
	return &config.UpdatesConfig{
		Enabled:          true,
		Channel:          "stable",
		ApplyImmediately: true,
		ReleaseIndexURL:  indexURL,
		InstallRoot:      root,
		StatePath:        filepath.Join(root, "state", "update-state.json"),
		InstallerPath:    filepath.Join(root, "install.sh"),
	}
}

// writeCurrentVersion lays out an installed release the way the installer
// does: releases/<version>/ with a current symlink pointing at it.
func writeCurrentVersion(t *testing.T, cfg *config.UpdatesConfig, version string) {
	t.Helper()
	dir := filepath.Join(cfg.InstallRoot, "releases", version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte(version+"\n"), 0o644))
	require.NoError(t, os.Symlink(dir, filepath.Join(cfg.InstallRoot, "current")))
}

// releaseIndex serves an index plus artifact downloads for the listed
// versions.
func releaseIndex(t *testing.T, versions ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32

	mux := http.NewServeMux()
	var releases []Release
	for _, v := range versions {
		version := v
		releases = append(releases, Release{
			Version: version,
			Artifacts: []Artifact{
				{Name: "VERSION", URL: "/artifacts/" + version + "/VERSION"},
				{Name: "install.sh", URL: "/artifacts/" + version + "/install.sh"},
			},
		})
		mux.HandleFunc("/artifacts/"+version+"/VERSION", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, version)
		})
		mux.HandleFunc("/artifacts/"+version+"/install.sh", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "#!/bin/sh\nexit 0")
		})
	}
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(releases)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// Artifact URLs in the index are server-relative; make them absolute.
	for i := range releases {
		for j := range releases[i].Artifacts {
			releases[i].Artifacts[j].URL = srv.URL + releases[i].Artifacts[j].URL
		}
	}
	return srv, &hits
}

func newTestController(cfg *config.UpdatesConfig, force bool) *Controller {
	c := NewController(cfg, "/nonexistent.sock", "http://127.0.0.1:1", force, logger.NewNopLogger())
	c.runInstaller = func(ctx context.Context, dir string) error { return nil }
	c.verifyHealth = func(ctx context.Context, wantVersion string) error { return nil }
	c.verifyAgent = func(ctx context.Context) error { return nil }
	return c
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	state := ReadState(path)
	assert.Equal(t, "unknown", state.Status)
	assert.Equal(t, "0.0.0", state.CurrentVersion)

	_, err := WriteState(path, func(s *State) {
		s.Status = StatusUpdated
		s.CurrentVersion = "0.2.0"
	})
	require.NoError(t, err)

	state = ReadState(path)
	assert.Equal(t, StatusUpdated, state.Status)
	assert.Equal(t, "0.2.0", state.CurrentVersion)

	// Merge keeps unrelated fields.
	_, err = WriteState(path, func(s *State) { s.ConsecutiveFailures = 2 })
	require.NoError(t, err)
	state = ReadState(path)
	assert.Equal(t, "0.2.0", state.CurrentVersion)
	assert.Equal(t, 2, state.ConsecutiveFailures)
}

func TestStateSurvivesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	state := ReadState(path)
	assert.Equal(t, "unknown", state.Status)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")

	l1, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	l1.release()
	l2, err := acquireLock(path)
	require.NoError(t, err)
	l2.release()
}

func TestRunUpToDate(t *testing.T) {
	srv, _ := releaseIndex(t, "0.2.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	require.NoError(t, c.Run(context.Background()))

	state := ReadState(cfg.StatePath)
	assert.Equal(t, StatusUpToDate, state.Status)
	assert.Equal(t, "0.2.0", state.CurrentVersion)
	assert.NotEmpty(t, state.LastCheck)
}

func TestRunAppliesNewerRelease(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	require.NoError(t, c.Run(context.Background()))

	state := ReadState(cfg.StatePath)
	assert.Equal(t, StatusUpdated, state.Status)
	assert.Equal(t, "0.3.0", state.CurrentVersion)
	assert.Equal(t, "0.2.0", state.PreviousVersion)
	assert.Equal(t, 0, state.ConsecutiveFailures)

	// The current symlink points into the staged release.
	target, err := os.Readlink(filepath.Join(cfg.InstallRoot, "current"))
	require.NoError(t, err)
	assert.Contains(t, target, filepath.Join("releases", "0.3.0"))
}

func TestStableChannelSkipsPrereleases(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0-beta.1")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, StatusUpToDate, ReadState(cfg.StatePath).Status)
}

func TestBetaChannelAcceptsPrereleases(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0-beta.1")
	cfg := testConfig(t, srv.URL+"/index.json")
	cfg.Channel = "beta"
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	require.NoError(t, c.Run(context.Background()))

	state := ReadState(cfg.StatePath)
	assert.Equal(t, StatusUpdated, state.Status)
	assert.Equal(t, "0.3.0-beta.1", state.CurrentVersion)
}

func TestFailedHealthVerifyRollsBack(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	// The previous release must exist for rollback to restore it.
	prevDir := filepath.Join(cfg.InstallRoot, "releases", "0.2.0")
	require.NoError(t, os.MkdirAll(prevDir, 0o755))

	c := newTestController(cfg, false)
	c.verifyHealth = func(ctx context.Context, wantVersion string) error {
		return errors.New("portal still reports 0.2.0")
	}

	err := c.Run(context.Background())
	require.Error(t, err)

	state := ReadState(cfg.StatePath)
	assert.Equal(t, StatusRollbackCompleted, state.Status)
	assert.Equal(t, "0.2.0", state.CurrentVersion)
	assert.Equal(t, 1, state.ConsecutiveFailures)

	target, err := os.Readlink(filepath.Join(cfg.InstallRoot, "current"))
	require.NoError(t, err)
	assert.Contains(t, target, filepath.Join("releases", "0.2.0"))
}

func TestRollbackFailureIsRecorded(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")
	// Remove the previous release directory: rollback cannot restore.
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.InstallRoot, "releases", "0.2.0")))
	_, err := WriteState(cfg.StatePath, func(s *State) { s.CurrentVersion = "0.2.0" })
	require.NoError(t, err)

	c := newTestController(cfg, false)
	c.verifyHealth = func(ctx context.Context, wantVersion string) error {
		return errors.New("unhealthy")
	}

	require.Error(t, c.Run(context.Background()))
	assert.Equal(t, StatusRollbackFailed, ReadState(cfg.StatePath).Status)
}

func TestThreeStrikeGuardSkipsCheck(t *testing.T) {
	srv, hits := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	_, err := WriteState(cfg.StatePath, func(s *State) {
		s.ConsecutiveFailures = 3
	})
	require.NoError(t, err)

	c := newTestController(cfg, false)
	require.NoError(t, c.Run(context.Background()))

	// The release index was never contacted.
	assert.Equal(t, int32(0), hits.Load())
}

func TestForceOverridesGuard(t *testing.T) {
	srv, hits := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	_, err := WriteState(cfg.StatePath, func(s *State) {
		s.ConsecutiveFailures = 3
	})
	require.NoError(t, err)

	c := newTestController(cfg, true)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, StatusUpdated, ReadState(cfg.StatePath).Status)
}

func TestPreflightRejectsVersionMismatch(t *testing.T) {
	// Index declares 0.3.0 but the VERSION artifact says 0.9.9.
	mux := http.NewServeMux()
	mux.HandleFunc("/VERSION", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "0.9.9")
	})
	mux.HandleFunc("/install.sh", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#!/bin/sh")
	})
	var srv *httptest.Server
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Release{{
			Version: "0.3.0",
			Artifacts: []Artifact{
				{Name: "VERSION", URL: srv.URL + "/VERSION"},
				{Name: "install.sh", URL: srv.URL + "/install.sh"},
			},
		}})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	require.Error(t, c.Run(context.Background()))

	state := ReadState(cfg.StatePath)
	assert.Equal(t, StatusPreflightFailed, state.Status)
	assert.Equal(t, 1, state.ConsecutiveFailures)
}

func TestCheckOnlyDoesNotApply(t *testing.T) {
	srv, _ := releaseIndex(t, "0.3.0")
	cfg := testConfig(t, srv.URL+"/index.json")
	writeCurrentVersion(t, cfg, "0.2.0")

	c := newTestController(cfg, false)
	state, err := c.CheckOnly(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.3.0", state.LatestAvailable)
	assert.Equal(t, "0.2.0", state.CurrentVersion)
	// Nothing was staged.
	assert.NoDirExists(t, filepath.Join(cfg.InstallRoot, "releases", "0.3.0"))
}
