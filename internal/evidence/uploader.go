// Package evidence moves violation snapshots from the student's machine to
// durable storage. The client side captures and uploads in the background;
// the server side spools uploads to disk and queues them for S3.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/pkg/storage"
)

// SnapshotFunc grabs the current camera frame as an encoded image. Returns
// the image bytes and MIME type.
type SnapshotFunc func(at time.Time) (data []byte, contentType string, err error)

const uploadTimeout = 30 * time.Second

// Uploader implements the pipeline's evidence capture: Capture returns an
// opaque reference immediately and ships the snapshot in the background, so
// the classification loop never waits on the network.
type Uploader struct {
	serverURL string
	examCode  string
	token     string
	snapshot  SnapshotFunc
	client    *http.Client
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewUploader creates an uploader posting to the exam server's evidence endpoint.
func NewUploader(serverURL, examCode, token string, snapshot SnapshotFunc, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		serverURL: serverURL,
		examCode:  examCode,
		token:     token,
		snapshot:  snapshot,
		client:    &http.Client{Timeout: uploadTimeout},
		logger:    logger,
	}
}

// Capture returns a fresh evidence reference and starts the upload. A failed
// snapshot or upload leaves the violation without evidence; the event itself
// is unaffected.
func (u *Uploader) Capture(at time.Time) string {
	if u.snapshot == nil {
		return ""
	}
	ref := uuid.New().String()
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.upload(ref, at); err != nil {
			u.logger.Warn("evidence upload failed", zap.String("evidence_ref", ref), zap.Error(err))
		}
	}()
	return ref
}

// Wait blocks until in-flight uploads finish, for shutdown.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) upload(ref string, at time.Time) error {
	data, contentType, err := u.snapshot(at)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if len(data) == 0 || len(data) > storage.MaxEvidenceFileSize {
		return fmt.Errorf("snapshot size %d out of bounds", len(data))
	}

	url := fmt.Sprintf("%s/api/evidence?exam_code=%s&ref=%s", u.serverURL, u.examCode, ref)
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
