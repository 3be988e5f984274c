package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/games"
	"github.com/orgplay/backend/internal/realtime"
	"github.com/orgplay/backend/pkg/queue"
	"github.com/orgplay/backend/pkg/storage"
	"github.com/orgplay/backend/pkg/utils"
)

const fetchTimeout = 30 * time.Second

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// ErrCoverTooLarge is returned when the source image exceeds the configured limit.
var ErrCoverTooLarge = errors.New("cover image too large")

// CoverStore records imported covers.
type CoverStore interface {
	SetCover(ctx context.Context, orgID, gameID uuid.UUID, url, key string) (previousKey string, err error)
}

// ObjectStore is the S3 side of the import.
type ObjectStore interface {
	UploadCover(ctx context.Context, key, contentType string, body io.Reader) error
	DeleteObject(ctx context.Context, key string) error
}

// JobQueue is the Redis queue the processor drains.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Notifier publishes organization events.
type Notifier interface {
	Publish(orgID uuid.UUID, event string, payload interface{})
}

// CoverReady is the payload of the cover_ready event.
type CoverReady struct {
	GameID        uuid.UUID `json:"game_id"`
	CoverImageURL string    `json:"cover_image_url"`
}

// CoverImportProcessor copies suggested cover images into S3: download, upload, update DB.
type CoverImportProcessor struct {
	store    CoverStore
	objects  ObjectStore
	queue    JobQueue
	notifier Notifier
	client   *http.Client
	allow    utils.AllowIP
	maxBytes int64
	logger   *zap.Logger
}

// NewCoverImportProcessor creates a cover import processor. maxBytes <= 0 uses storage.DefaultMaxCoverSize.
func NewCoverImportProcessor(store CoverStore, objects ObjectStore, q JobQueue, notifier Notifier, maxBytes int64, logger *zap.Logger) *CoverImportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = storage.DefaultMaxCoverSize
	}
	return &CoverImportProcessor{
		store:    store,
		objects:  objects,
		queue:    q,
		notifier: notifier,
		client:   utils.NewFetchClient(fetchTimeout, utils.PublicIP),
		allow:    utils.PublicIP,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Process executes one cover import job.
func (p *CoverImportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeCoverImport {
		return fmt.Errorf("%w: unknown job type %s", errPermanent, job.Type)
	}
	var payload queue.CoverImportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}

	if err := utils.CheckFetchURL(payload.SourceURL, p.allow); err != nil {
		return fmt.Errorf("%w: source url: %w", errPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", errPermanent, err)
	}
	resp, err := p.client.Do(req)
	if errors.Is(err, utils.ErrDisallowedAddress) {
		return fmt.Errorf("%w: download: %w", errPermanent, err)
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("download status: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: download status %d", errPermanent, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	ext, ok := storage.CoverExtension(contentType)
	if !ok {
		return fmt.Errorf("%w: unsupported content type %q", errPermanent, contentType)
	}
	if resp.ContentLength > p.maxBytes {
		return fmt.Errorf("%w: %w (%d bytes)", errPermanent, ErrCoverTooLarge, resp.ContentLength)
	}

	key := storage.CoverKey(payload.OrganizationID.String(), payload.GameID.String(), ext)
	body := &capReader{r: resp.Body, remaining: p.maxBytes}
	err = p.objects.UploadCover(ctx, key, contentType, body)
	if errors.Is(err, ErrCoverTooLarge) {
		return fmt.Errorf("%w: %w", errPermanent, err)
	}
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	coverURL := games.CoverPath(payload.OrganizationID, payload.GameID)
	previous, err := p.store.SetCover(ctx, payload.OrganizationID, payload.GameID, coverURL, key)
	if errors.Is(err, games.ErrGameNotFound) {
		_ = p.objects.DeleteObject(ctx, key)
		return fmt.Errorf("%w: %w", errPermanent, err)
	}
	if err != nil {
		p.logger.Error("update game cover failed", zap.Error(err), zap.String("game_id", payload.GameID.String()))
		return fmt.Errorf("update db: %w", err)
	}
	if previous != "" && previous != key {
		if err := p.objects.DeleteObject(ctx, previous); err != nil {
			p.logger.Warn("delete replaced cover failed", zap.String("s3_key", previous), zap.Error(err))
		}
	}

	if p.notifier != nil {
		p.notifier.Publish(payload.OrganizationID, realtime.EventCoverReady, CoverReady{GameID: payload.GameID, CoverImageURL: coverURL})
	}
	p.logger.Info("cover import completed", zap.String("game_id", payload.GameID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CoverImportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("cover worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.fail(ctx, job, err)
		}
	}
}

func (p *CoverImportProcessor) fail(ctx context.Context, job *queue.Job, err error) {
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	if errors.Is(err, errPermanent) {
		job.Attempt = queue.MaxRetries - 1
	}
	if reErr := p.queue.Retry(ctx, job); reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
	}
	if !errors.Is(err, errPermanent) {
		sleep(ctx, queue.RetryBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// capReader fails with ErrCoverTooLarge once more than remaining bytes were read.
type capReader struct {
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, ErrCoverTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, ErrCoverTooLarge
	}
	return n, err
}
