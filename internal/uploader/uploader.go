package uploader

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
)

// retrySchedule is the wait before each retry attempt after the first
// failure: 1s, 4s, 16s, 64s, 256s.
var retrySchedule = []time.Duration{
	1 * time.Second,
	4 * time.Second,
	16 * time.Second,
	64 * time.Second,
	256 * time.Second,
}

// item is one queued upload with its attempt counter.
type item struct {
	ref      storage.PendingRef
	attempts int
	notAfter time.Time // zero means ready now
}

// Worker consumes the upload queue: multipart POST of each pending image to
// the central server, with bounded retries for retryable failures. A single
// consumer; producers enqueue without ever blocking on upload progress.
type Worker struct {
	cfg   *config.ServerConfig
	store *storage.Manager
	log   logger.Logger
	rl    *logger.RateLimited

	client      *http.Client
	queue       chan item
	maxAttempts int
}

// New creates an upload worker. queueSize bounds the in-memory queue;
// overflow drops the oldest entry, which is safe because the file stays in
// pending/ and is rediscovered on the next restart.
func New(cfg *config.ServerConfig, store *storage.Manager, queueSize, maxAttempts int, log logger.Logger) (*Worker, error) {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	transport := &http.Transport{}
	if cfg.SSLVerify {
		if cfg.CertPath != "" {
			pem, err := os.ReadFile(cfg.CertPath)
			if err != nil {
				return nil, fmt.Errorf("uploader: read cert %s: %w", cfg.CertPath, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("uploader: no certificates in %s", cfg.CertPath)
			}
			transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		}
	} else {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Worker{
		cfg:   cfg,
		store: store,
		log:   log,
		rl:    logger.NewRateLimited(log, time.Minute),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		queue:       make(chan item, queueSize),
		maxAttempts: maxAttempts,
	}, nil
}

// Enqueue adds a pending image to the queue. Under pressure the oldest
// queued entry is dropped; the dropped file remains on disk and is picked
// up by the next restart's pending scan.
func (w *Worker) Enqueue(ref storage.PendingRef) {
	it := item{ref: ref}
	for {
		select {
		case w.queue <- it:
			return
		default:
		}
		select {
		case dropped := <-w.queue:
			w.rl.Warnf("queue_full", time.Minute,
				"Upload queue full, dropping oldest", "file", dropped.ref.FileName)
		default:
		}
	}
}

// Rehydrate scans pending/ and queues everything found, oldest first.
// Called once at agent start.
func (w *Worker) Rehydrate() int {
	refs := w.store.PendingScan()
	for _, ref := range refs {
		w.Enqueue(ref)
	}
	if len(refs) > 0 {
		w.log.Info("Rehydrated upload queue", "count", len(refs))
	}
	return len(refs)
}

// Backlog returns the number of queued uploads
func (w *Worker) Backlog() int {
	return len(w.queue)
}

// Run consumes the queue until ctx is cancelled, then drains what it can
// within grace before abandoning in-flight items to the next start.
func (w *Worker) Run(ctx context.Context, grace time.Duration) {
	for {
		select {
		case <-ctx.Done():
			w.drain(grace)
			return
		case it := <-w.queue:
			w.process(ctx, it)
		}
	}
}

func (w *Worker) drain(grace time.Duration) {
	deadline := time.Now().Add(grace)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for {
		if time.Now().After(deadline) {
			w.log.Info("Upload drain expired, abandoning queue", "remaining", len(w.queue))
			return
		}
		select {
		case it := <-w.queue:
			w.process(ctx, it)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, it item) {
	// Wait out the item's backoff deadline before uploading; the rest of
	// the queue waits behind it meanwhile.
	if wait := time.Until(it.notAfter); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	err := w.upload(ctx, it.ref)
	if err == nil {
		if err := w.store.MarkUploaded(it.ref); err != nil {
			w.log.Warn("Failed to mark uploaded", "file", it.ref.FileName, "error", err)
		}
		return
	}

	var pe *permanentError
	if errors.As(err, &pe) {
		w.rl.Errorf("upload_permanent", time.Minute,
			"Upload rejected permanently",
			"file", it.ref.FileName, "status", pe.status)
		_ = w.store.UpdateSidecar(it.ref, func(m *storage.Metadata) {
			m.UploadStatus = storage.StatusFailedPermanent
			m.Attempts = it.attempts + 1
			m.LastError = pe.Error()
		})
		return
	}

	it.attempts++
	if it.attempts >= w.maxAttempts {
		w.log.Warn("Upload giving up after max attempts",
			"file", it.ref.FileName, "attempts", it.attempts)
		_ = w.store.UpdateSidecar(it.ref, func(m *storage.Metadata) {
			m.Attempts = it.attempts
			m.LastError = err.Error()
		})
		// The file stays in pending/ for the next restart's rehydration.
		return
	}

	backoff := retrySchedule[len(retrySchedule)-1]
	if it.attempts-1 < len(retrySchedule) {
		backoff = retrySchedule[it.attempts-1]
	}
	it.notAfter = time.Now().Add(backoff)

	w.rl.Warnf("upload_retry", time.Minute,
		"Upload failed, will retry",
		"file", it.ref.FileName, "attempt", it.attempts, "backoff", backoff.String(), "error", err)

	_ = w.store.UpdateSidecar(it.ref, func(m *storage.Metadata) {
		m.Attempts = it.attempts
		m.LastError = err.Error()
	})

	select {
	case w.queue <- it:
	default:
		// Queue filled up while we were uploading; the pending scan will
		// find the file again.
		w.log.Debug("Queue full on requeue", "file", it.ref.FileName)
	}
}

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("server rejected upload with status %d", e.status)
}

// upload POSTs one image as multipart/form-data with its metadata sidecar
// and the operator bearer token.
func (w *Worker) upload(ctx context.Context, ref storage.PendingRef) error {
	jpeg, err := os.ReadFile(ref.ImagePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted by retention while queued; nothing to do.
			w.log.Debug("Queued file vanished", "file", ref.FileName)
			return nil
		}
		return err
	}

	metadata := json.RawMessage(`{}`)
	if raw, err := os.ReadFile(ref.MetaPath); err == nil {
		metadata = raw
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	imagePart, err := mw.CreateFormFile("image", ref.FileName)
	if err != nil {
		return err
	}
	if _, err := imagePart.Write(jpeg); err != nil {
		return err
	}
	if err := mw.WriteField("metadata", string(metadata)); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.log.Debug("Uploaded image", "file", ref.FileName)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode}
	}
}
