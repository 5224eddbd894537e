package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// maxConsecutiveFailures is the three-strike guard: after this many
	// failed update cycles the updater refuses to run without --force.
	maxConsecutiveFailures = 3

	healthVerifyWindow = 120 * time.Second
	healthVerifyPoll   = 10 * time.Second
)

// Release is one entry in the remote release index.
type Release struct {
	Version         string     `json:"version"`
	Artifacts       []Artifact `json:"artifacts"`
	MinFreeDiskMB   uint64     `json:"min_free_disk_mb,omitempty"`
	MinFreeMemoryMB uint64     `json:"min_free_memory_mb,omitempty"`
}

// Artifact is one downloadable file of a release.
type Artifact struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
}

// Controller runs one update cycle: check, fetch, pre-flight, apply,
// health-verify, and roll back on failure. Invoked periodically by the
// host timer as a oneshot.
type Controller struct {
	cfg          *config.UpdatesConfig
	log          logger.Logger
	client       *http.Client
	force        bool
	healthSocket string
	portalURL    string

	// overridable in tests
	runInstaller func(ctx context.Context, dir string) error
	verifyHealth func(ctx context.Context, wantVersion string) error
	verifyAgent  func(ctx context.Context) error
}

// NewController builds an update controller. healthSocket and portalURL are
// the endpoints polled during post-apply verification.
func NewController(cfg *config.UpdatesConfig, healthSocket, portalURL string, force bool, log logger.Logger) *Controller {
	c := &Controller{
		cfg:          cfg,
		log:          log,
		client:       &http.Client{Timeout: 5 * time.Minute},
		force:        force,
		healthSocket: healthSocket,
		portalURL:    portalURL,
	}
	c.runInstaller = c.execInstaller
	c.verifyHealth = c.pollHealth
	c.verifyAgent = c.pollAgent
	return c
}

// Run executes one full update cycle. A nil return means up-to-date,
// successfully updated, or skipped (lock held by another run, updates
// disabled, failure guard active). Errors from the cycle itself have
// already been recorded in the state file; a failure to take the lock is
// returned without a state write.
func (c *Controller) Run(ctx context.Context) error {
	lock, err := acquireLock(c.lockPath())
	if err != nil {
		if err == ErrLocked {
			// Another run owns the cycle; exit without noise.
			return nil
		}
		return err
	}
	defer lock.release()

	state := ReadState(c.cfg.StatePath)

	if !c.cfg.Enabled {
		c.log.Info("Updates disabled in configuration")
		return nil
	}
	if state.ConsecutiveFailures >= maxConsecutiveFailures && !c.force {
		c.log.Warn("Update guard active after consecutive failures; use --force to override",
			"consecutive_failures", state.ConsecutiveFailures)
		return nil
	}

	current := c.currentVersion(state)
	c.log.Info("Checking for updates", "current", current, "channel", c.cfg.Channel)

	release, err := c.pickRelease(ctx, current)
	if err != nil {
		c.recordFailure(StatusCheckFailed, current, "", err)
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if release == nil {
		_, _ = WriteState(c.cfg.StatePath, func(s *State) {
			s.Status = StatusUpToDate
			s.CurrentVersion = current
			s.LastCheck = now
			s.Channel = c.cfg.Channel
		})
		c.log.Info("Already up to date", "current", current)
		return nil
	}

	c.log.Info("Update available", "current", current, "latest", release.Version)
	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.LatestAvailable = release.Version
		s.LastCheck = now
		s.Channel = c.cfg.Channel
	})

	workDir := filepath.Join(c.cfg.InstallRoot, "updates", release.Version)
	if err := c.fetch(ctx, release, workDir); err != nil {
		c.recordFailure(StatusFetchFailed, current, release.Version, err)
		return err
	}

	if err := c.preflight(release, workDir); err != nil {
		c.recordFailure(StatusPreflightFailed, current, release.Version, err)
		return err
	}

	// Point of no return: persist rollback info, then apply.
	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = StatusUpdating
		s.PreviousVersion = current
		s.LatestAvailable = release.Version
	})

	if err := c.apply(ctx, release, workDir, current); err != nil {
		return err
	}

	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = StatusUpdated
		s.CurrentVersion = release.Version
		s.ConsecutiveFailures = 0
		s.LastUpdate = time.Now().UTC().Format(time.RFC3339)
	})
	c.log.Info("Update applied", "version", release.Version)
	return nil
}

// CheckOnly queries the release index and records the result without
// applying anything. Backs the portal's force-check endpoint.
func (c *Controller) CheckOnly(ctx context.Context) (State, error) {
	lock, err := acquireLock(c.lockPath())
	if err != nil {
		return ReadState(c.cfg.StatePath), err
	}
	defer lock.release()

	state := ReadState(c.cfg.StatePath)
	current := c.currentVersion(state)

	release, err := c.pickRelease(ctx, current)
	now := time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		s, _ := WriteState(c.cfg.StatePath, func(s *State) {
			s.Status = StatusCheckFailed
			s.LastCheck = now
		})
		return s, err
	}

	latest := current
	status := StatusUpToDate
	if release != nil {
		latest = release.Version
		status = state.Status // an available update is not a state change yet
		if status == "unknown" || status == StatusUpToDate {
			status = StatusUpToDate
		}
	}
	return WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = status
		s.CurrentVersion = current
		s.LatestAvailable = latest
		s.LastCheck = now
		s.Channel = c.cfg.Channel
	})
}

func (c *Controller) lockPath() string {
	return filepath.Join(filepath.Dir(c.cfg.StatePath), "update.lock")
}

// currentVersion prefers the VERSION file of the installed artifact set and
// falls back to the state record.
func (c *Controller) currentVersion(state State) string {
	raw, err := os.ReadFile(filepath.Join(c.cfg.InstallRoot, "current", "VERSION"))
	if err == nil {
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v
		}
	}
	return state.CurrentVersion
}

// pickRelease fetches the index and returns the best candidate newer than
// current, or nil when up to date. The stable channel excludes
// pre-releases; beta accepts both.
func (c *Controller) pickRelease(ctx context.Context, current string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ReleaseIndexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("release index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release index returned %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&releases); err != nil {
		return nil, fmt.Errorf("release index decode: %w", err)
	}

	cur, err := version.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("parse current version %q: %w", current, err)
	}

	var best *Release
	var bestVer *version.Version
	for i := range releases {
		r := &releases[i]
		v, err := version.NewVersion(r.Version)
		if err != nil {
			c.log.Warn("Skipping unparseable release version", "version", r.Version)
			continue
		}
		if c.cfg.Channel == "stable" && v.Prerelease() != "" {
			continue
		}
		if !v.GreaterThan(cur) {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best = r
			bestVer = v
		}
	}
	return best, nil
}

// fetch downloads every artifact into workDir and verifies checksums
func (c *Controller) fetch(ctx context.Context, release *Release, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}

	for _, artifact := range release.Artifacts {
		dest := filepath.Join(workDir, artifact.Name)
		if err := c.download(ctx, artifact.URL, dest); err != nil {
			return fmt.Errorf("fetch %s: %w", artifact.Name, err)
		}
		if artifact.SHA256 != "" {
			if err := verifyChecksum(dest, artifact.SHA256); err != nil {
				return fmt.Errorf("verify %s: %w", artifact.Name, err)
			}
		}
	}
	return nil
}

func (c *Controller) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download http %d", resp.StatusCode)
	}

	staging := dest + ".partial"
	f, err := os.Create(staging)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(staging)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(staging)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(staging)
		return err
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// preflight rejects an artifact set that could not possibly apply cleanly:
// missing files, a VERSION that disagrees with the release entry, or a host
// without the headroom to install.
func (c *Controller) preflight(release *Release, workDir string) error {
	for _, artifact := range release.Artifacts {
		if _, err := os.Stat(filepath.Join(workDir, artifact.Name)); err != nil {
			return fmt.Errorf("preflight: artifact %s missing: %w", artifact.Name, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(workDir, "VERSION"))
	if err != nil {
		return fmt.Errorf("preflight: VERSION artifact missing: %w", err)
	}
	if declared := strings.TrimSpace(string(raw)); declared != release.Version {
		return fmt.Errorf("preflight: declared version %q does not match release %q", declared, release.Version)
	}

	minDisk := release.MinFreeDiskMB
	if minDisk == 0 {
		minDisk = 200
	}
	if du, err := disk.Usage(c.cfg.InstallRoot); err == nil && du.Free < minDisk*(1<<20) {
		return fmt.Errorf("preflight: %d MB free disk required, %d MB available", minDisk, du.Free/(1<<20))
	}

	minMem := release.MinFreeMemoryMB
	if minMem == 0 {
		minMem = 64
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Available < minMem*(1<<20) {
		return fmt.Errorf("preflight: %d MB free memory required, %d MB available", minMem, vm.Available/(1<<20))
	}

	return nil
}

// apply stages the release, runs its installer and verifies the node came
// back healthy on the new version; on any failure it rolls back to the
// previous release.
func (c *Controller) apply(ctx context.Context, release *Release, workDir, previous string) error {
	releaseDir := filepath.Join(c.cfg.InstallRoot, "releases", release.Version)
	if err := os.RemoveAll(releaseDir); err != nil {
		return c.rollback(ctx, previous, fmt.Errorf("stage release: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(releaseDir), 0o755); err != nil {
		return c.rollback(ctx, previous, err)
	}
	if err := os.Rename(workDir, releaseDir); err != nil {
		return c.rollback(ctx, previous, fmt.Errorf("stage release: %w", err))
	}

	if err := c.switchCurrent(releaseDir); err != nil {
		return c.rollback(ctx, previous, err)
	}

	if err := c.runInstaller(ctx, releaseDir); err != nil {
		return c.rollback(ctx, previous, fmt.Errorf("installer: %w", err))
	}

	if err := c.verifyHealth(ctx, release.Version); err != nil {
		return c.rollback(ctx, previous, fmt.Errorf("health verify: %w", err))
	}

	return nil
}

// switchCurrent atomically repoints the current symlink
func (c *Controller) switchCurrent(releaseDir string) error {
	current := filepath.Join(c.cfg.InstallRoot, "current")
	tmp := filepath.Join(c.cfg.InstallRoot, ".current.tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(releaseDir, tmp); err != nil {
		return fmt.Errorf("create tmp symlink: %w", err)
	}
	if err := os.Rename(tmp, current); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("switch current symlink: %w", err)
	}
	return nil
}

// execInstaller runs the release's installer in preserve-configuration mode
func (c *Controller) execInstaller(ctx context.Context, releaseDir string) error {
	installer := filepath.Join(releaseDir, filepath.Base(c.cfg.InstallerPath))
	if _, err := os.Stat(installer); err != nil {
		installer = c.cfg.InstallerPath
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(runCtx, installer, "--preserve-config")
	cmd.Dir = releaseDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// pollHealth waits for both processes to come back and for the portal to
// report the expected version.
func (c *Controller) pollHealth(ctx context.Context, wantVersion string) error {
	deadline := time.Now().Add(healthVerifyWindow)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthVerifyPoll):
		}

		if _, err := health.Query(c.healthSocket, "system", 2*time.Second); err != nil {
			lastErr = fmt.Errorf("agent socket: %w", err)
			continue
		}

		reported, err := c.portalVersion(ctx)
		if err != nil {
			lastErr = fmt.Errorf("portal: %w", err)
			continue
		}
		if reported != wantVersion {
			lastErr = fmt.Errorf("portal reports version %q, want %q", reported, wantVersion)
			continue
		}
		return nil
	}
	return lastErr
}

// pollAgent gives the services a moment after a rollback install, then
// confirms the agent socket answers.
func (c *Controller) pollAgent(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(healthVerifyPoll):
	}
	if _, err := health.Query(c.healthSocket, "system", 2*time.Second); err != nil {
		return fmt.Errorf("agent not active after rollback: %w", err)
	}
	return nil
}

func (c *Controller) portalVersion(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.portalURL+"/api/status", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Node struct {
			Version string `json:"version"`
		} `json:"node"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Node.Version, nil
}

// rollback restores the previous release, re-runs its installer and
// records the outcome. The original cause is always returned.
func (c *Controller) rollback(ctx context.Context, previous string, cause error) error {
	c.log.Error("Update failed, rolling back", "previous", previous, "error", cause)
	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = StatusRollingBack
	})

	prevDir := filepath.Join(c.cfg.InstallRoot, "releases", previous)
	rollbackErr := func() error {
		if _, err := os.Stat(prevDir); err != nil {
			return fmt.Errorf("previous release missing: %w", err)
		}
		if err := c.switchCurrent(prevDir); err != nil {
			return err
		}
		if err := c.runInstaller(ctx, prevDir); err != nil {
			return err
		}
		return c.verifyAgent(ctx)
	}()

	status := StatusRollbackCompleted
	if rollbackErr != nil {
		status = StatusRollbackFailed
		c.log.Error("Rollback failed", "error", rollbackErr)
	} else {
		c.log.Info("Rollback completed", "version", previous)
	}

	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = status
		s.CurrentVersion = previous
		s.ConsecutiveFailures++
	})

	return cause
}

func (c *Controller) recordFailure(status, current, latest string, err error) {
	c.log.Error("Update cycle failed", "status", status, "error", err)
	_, _ = WriteState(c.cfg.StatePath, func(s *State) {
		s.Status = status
		s.CurrentVersion = current
		if latest != "" {
			s.LatestAvailable = latest
		}
		s.LastCheck = time.Now().UTC().Format(time.RFC3339)
		s.ConsecutiveFailures++
	})
}
