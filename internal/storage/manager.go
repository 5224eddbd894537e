package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull is returned by Store when free space stays insufficient even
// after an immediate cleanup pass.
var ErrDiskFull = errors.New("storage: disk full")

// UploadStatus is the lifecycle state recorded in an image's sidecar.
type UploadStatus string

const (
	StatusPending         UploadStatus = "pending"
	StatusUploaded        UploadStatus = "uploaded"
	StatusFailedPermanent UploadStatus = "failed-permanent"
)

// Metadata is the JSON sidecar written next to every captured image.
type Metadata struct {
	CaptureID     string                 `json:"capture_id"`
	DeviceID      string                 `json:"device_id"`
	Location      string                 `json:"location,omitempty"`
	CameraID      string                 `json:"camera_id"`
	Position      string                 `json:"position,omitempty"`
	CapturedAt    time.Time              `json:"captured_at"`
	Width         int                    `json:"width,omitempty"`
	Height        int                    `json:"height,omitempty"`
	MeanLuminance float64                `json:"mean_luminance,omitempty"`
	System        map[string]interface{} `json:"system,omitempty"`
	UploadStatus  UploadStatus           `json:"upload_status"`
	Attempts      int                    `json:"attempts,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

// PendingRef identifies one stored image awaiting upload.
type PendingRef struct {
	CameraID  string
	FileName  string
	ImagePath string
	MetaPath  string
}

// Manager owns the on-disk image store:
//
//	<root>/pending/<camera_id>/<yyyy-mm-dd>/<camera>_<timestamp>.jpg
//	<root>/pending/metadata/<filename>.json
//	<root>/uploaded/...
//
// Store and MarkUploaded are called by the capture workers and the upload
// worker; Cleanup runs from its own goroutine. All operations tolerate
// concurrent deletion of their inputs.
type Manager struct {
	cfg *config.StorageConfig
	log logger.Logger
	rl  *logger.RateLimited

	pendingDir  string
	uploadedDir string
}

// NewManager creates the storage layout under cfg.BasePath
func NewManager(cfg *config.StorageConfig, log logger.Logger) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		log:         log,
		rl:          logger.NewRateLimited(log, time.Minute),
		pendingDir:  filepath.Join(cfg.BasePath, "pending"),
		uploadedDir: filepath.Join(cfg.BasePath, "uploaded"),
	}

	for _, dir := range []string{
		m.pendingDir,
		filepath.Join(m.pendingDir, "metadata"),
		m.uploadedDir,
		filepath.Join(m.uploadedDir, "metadata"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}

	return m, nil
}

// Store writes the JPEG and its sidecar atomically under pending/ and
// returns the reference to hand to the upload queue.
func (m *Manager) Store(jpeg []byte, meta Metadata) (PendingRef, error) {
	if err := m.ensureSpace(int64(len(jpeg))); err != nil {
		return PendingRef{}, err
	}

	day := meta.CapturedAt.UTC().Format("2006-01-02")
	fileName := fmt.Sprintf("%s_%s.jpg", meta.CameraID, meta.CapturedAt.UTC().Format("2006-01-02_15-04-05.000"))
	imageDir := filepath.Join(m.pendingDir, meta.CameraID, day)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return PendingRef{}, fmt.Errorf("storage: create %s: %w", imageDir, err)
	}

	ref := PendingRef{
		CameraID:  meta.CameraID,
		FileName:  fileName,
		ImagePath: filepath.Join(imageDir, fileName),
		MetaPath:  filepath.Join(m.pendingDir, "metadata", fileName+".json"),
	}

	meta.UploadStatus = StatusPending
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return PendingRef{}, fmt.Errorf("storage: encode metadata: %w", err)
	}

	if err := writeAtomic(ref.ImagePath, jpeg); err != nil {
		return PendingRef{}, err
	}
	if err := writeAtomic(ref.MetaPath, sidecar); err != nil {
		_ = os.Remove(ref.ImagePath)
		return PendingRef{}, err
	}

	m.log.Debug("Stored image", "camera_id", meta.CameraID, "file", fileName)
	return ref, nil
}

// MarkUploaded moves the image and its sidecar to the uploaded subtree.
// Idempotent: a missing source means another pass already moved it.
func (m *Manager) MarkUploaded(ref PendingRef) error {
	rel, err := filepath.Rel(m.pendingDir, ref.ImagePath)
	if err != nil {
		return fmt.Errorf("storage: ref outside pending tree: %w", err)
	}

	dst := filepath.Join(m.uploadedDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(ref.ImagePath, dst); err != nil {
		if os.IsNotExist(err) {
			m.log.Debug("Image already moved", "file", ref.FileName)
		} else {
			return fmt.Errorf("storage: move %s: %w", ref.FileName, err)
		}
	}

	metaDst := filepath.Join(m.uploadedDir, "metadata", filepath.Base(ref.MetaPath))
	if err := os.Rename(ref.MetaPath, metaDst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: move sidecar %s: %w", ref.FileName, err)
	}

	m.log.Debug("Marked as uploaded", "file", ref.FileName)
	return nil
}

// UpdateSidecar rewrites the sidecar of a pending image, used by the upload
// worker to record attempts and permanent failures.
func (m *Manager) UpdateSidecar(ref PendingRef, mutate func(*Metadata)) error {
	raw, err := os.ReadFile(ref.MetaPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Debug("Sidecar gone before update", "file", ref.FileName)
			return nil
		}
		return err
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("storage: decode sidecar %s: %w", ref.FileName, err)
	}
	mutate(&meta)

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(ref.MetaPath, out)
}

// PendingScan walks the pending tree and returns references ordered oldest
// first, skipping images whose sidecar records a permanent failure. Used to
// rehydrate the upload queue on agent start.
func (m *Manager) PendingScan() []PendingRef {
	type entry struct {
		ref PendingRef
		mod time.Time
	}
	var found []entry

	_ = filepath.WalkDir(m.pendingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jpg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		name := filepath.Base(path)
		ref := PendingRef{
			CameraID:  cameraIDFromName(name),
			FileName:  name,
			ImagePath: path,
			MetaPath:  filepath.Join(m.pendingDir, "metadata", name+".json"),
		}
		if m.sidecarStatus(ref) == StatusFailedPermanent {
			return nil
		}
		found = append(found, entry{ref: ref, mod: info.ModTime()})
		return nil
	})

	sort.Slice(found, func(i, j int) bool { return found[i].mod.Before(found[j].mod) })

	refs := make([]PendingRef, len(found))
	for i, e := range found {
		refs[i] = e.ref
	}
	return refs
}

func (m *Manager) sidecarStatus(ref PendingRef) UploadStatus {
	raw, err := os.ReadFile(ref.MetaPath)
	if err != nil {
		return StatusPending
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return StatusPending
	}
	return meta.UploadStatus
}

// LatestImage returns the most recent stored JPEG for a camera, searching
// pending first, then uploaded.
func (m *Manager) LatestImage(cameraID string) (string, error) {
	var latestPath string
	var latestMod time.Time

	for _, root := range []string{
		filepath.Join(m.pendingDir, cameraID),
		filepath.Join(m.uploadedDir, cameraID),
	} {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jpg") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(latestMod) {
				latestMod = info.ModTime()
				latestPath = path
			}
			return nil
		})
	}

	if latestPath == "" {
		return "", fmt.Errorf("no images for camera %s", cameraID)
	}
	return latestPath, nil
}

// Totals summarizes the store for the portal.
type Totals struct {
	PendingImages  int     `json:"pending_images"`
	UploadedImages int     `json:"uploaded_images"`
	PendingBytes   int64   `json:"pending_bytes"`
	UploadedBytes  int64   `json:"uploaded_bytes"`
	TotalBytes     int64   `json:"total_bytes"`
	MaxSizeGB      float64 `json:"max_size_gb"`
}

// GetTotals walks the store and counts images and bytes
func (m *Manager) GetTotals() Totals {
	t := Totals{MaxSizeGB: m.cfg.MaxSizeGB}
	countTree := func(root string, count *int, size *int64) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			*size += info.Size()
			if strings.HasSuffix(path, ".jpg") {
				*count++
			}
			return nil
		})
	}
	countTree(m.pendingDir, &t.PendingImages, &t.PendingBytes)
	countTree(m.uploadedDir, &t.UploadedImages, &t.UploadedBytes)
	t.TotalBytes = t.PendingBytes + t.UploadedBytes
	return t
}

// Cleanup enforces retention and the size cap. Retention removes anything
// older than retention_days from uploaded/ and pending/; if the store is
// still above the configured cap, the oldest files go first until usage is
// at 80% of the cap. Files deleted underneath us by a concurrent pass are
// expected and logged at debug only.
func (m *Manager) Cleanup() {
	cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)

	m.removeOlderThan(m.uploadedDir, cutoff)
	m.removeOlderThan(m.pendingDir, cutoff)

	capBytes := int64(m.cfg.MaxSizeGB * float64(1<<30))
	if capBytes <= 0 {
		return
	}
	total := m.GetTotals().TotalBytes
	if total <= capBytes {
		return
	}

	target := int64(float64(capBytes) * 0.8)
	m.log.Info("Storage over cap, deleting oldest files",
		"total_bytes", total, "target_bytes", target)

	// Uploaded files are already safe on the server; they go first so
	// pending/ survives as long as possible.
	total = m.deleteOldestUntil(m.uploadedDir, total, target)
	if total > target {
		total = m.deleteOldestUntil(m.pendingDir, total, target)
	}
	m.log.Info("Storage cleanup complete", "total_bytes", total)
}

func (m *Manager) removeOlderThan(root string, cutoff time.Time) {
	var victims []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			victims = append(victims, path)
		}
		return nil
	})

	for _, path := range victims {
		m.removeFile(path)
	}
}

func (m *Manager) deleteOldestUntil(root string, total, target int64) int64 {
	type entry struct {
		path string
		mod  time.Time
		size int64
	}
	var files []entry
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jpg") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, entry{path: path, mod: info.ModTime(), size: info.Size()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	for _, f := range files {
		if total <= target {
			break
		}
		m.removeFile(f.path)
		m.removeFile(filepath.Join(root, "metadata", filepath.Base(f.path)+".json"))
		total -= f.size
	}
	return total
}

// removeFile deletes one file. A missing file raced with another cleanup
// pass and is only worth a debug line; anything else is a warning and the
// caller's loop continues.
func (m *Manager) removeFile(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		m.log.Debug("File already removed", "path", path)
	default:
		m.rl.Warnf("cleanup_remove", time.Minute,
			"Failed to remove file", "path", path, "error", err)
	}
}

// ensureSpace checks free disk space for an incoming write, triggering an
// immediate cleanup when the volume is nearly full.
func (m *Manager) ensureSpace(incoming int64) error {
	usage, err := disk.Usage(m.cfg.BasePath)
	if err != nil {
		// Can't tell; let the write fail on its own if the disk is full.
		return nil
	}
	// Keep a cushion beyond the incoming image so log writes don't starve.
	const cushion = 64 << 20
	if usage.Free > uint64(incoming)+cushion {
		return nil
	}

	m.log.Warn("Low disk space, forcing cleanup", "free_bytes", usage.Free)
	m.Cleanup()

	usage, err = disk.Usage(m.cfg.BasePath)
	if err == nil && usage.Free <= uint64(incoming)+cushion {
		m.rl.Warnf("disk_full", time.Minute,
			"Dropping capture, disk full", "free_bytes", usage.Free)
		return ErrDiskFull
	}
	return nil
}

// RunCleanupLoop runs Cleanup hourly until ctx is done
func (m *Manager) RunCleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

func cameraIDFromName(name string) string {
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

// writeAtomic writes data via a temp file and rename so readers never see a
// partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
