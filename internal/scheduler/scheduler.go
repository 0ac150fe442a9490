// Package scheduler drives the mirror: it owns the periodic jobs, builds
// the per-kind task handlers, and accepts ad-hoc task submissions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/ingest"
	"github.com/openpreprints/preprintd/internal/metrics"
	"github.com/openpreprints/preprintd/internal/worker"
)

// SyncEngine is the slice of the ingest engine the scheduler drives.
type SyncEngine interface {
	SyncIncremental(ctx context.Context) (ingest.Stats, error)
	SyncRange(ctx context.Context, from time.Time, until *time.Time, subjectID string) (ingest.Stats, error)
	FetchOne(ctx context.Context, id, doi string) (corpus.Record, corpus.UpsertResult, error)
	ResolveSubject(ctx context.Context, subject string) (string, error)
}

// Downloader materializes one record's document.
type Downloader interface {
	EnsureDownloaded(ctx context.Context, rec corpus.Record) (corpus.DownloadOutcome, error)
}

// Extractor structures one record's document.
type Extractor interface {
	EnsureExtracted(ctx context.Context, rec corpus.Record) (corpus.ExtractOutcome, error)
}

// schedulerStore is the slice of the record store the scheduler reads.
type schedulerStore interface {
	Get(ctx context.Context, id string) (corpus.Record, error)
	PendingDownloads(ctx context.Context, limit int) ([]corpus.Record, error)
	PendingExtractions(ctx context.Context, limit int) ([]corpus.Record, error)
}

// Submitter accepts routed tasks.
type Submitter interface {
	Submit(ctx context.Context, task corpus.Task) error
}

// Config controls the periodic jobs. A zero interval disables that job.
type Config struct {
	SyncInterval     time.Duration
	DownloadInterval time.Duration
	ExtractInterval  time.Duration
	DownloadLimit    int
	ExtractLimit     int
}

// Scheduler wires the engine, pipelines and queues together.
type Scheduler struct {
	engine     SyncEngine
	downloader Downloader
	extractor  Extractor
	store      schedulerStore
	submitter  Submitter
	chains     *worker.ChainRunner
	ids        corpus.IDGenerator
	clock      corpus.Clock
	cfg        Config
	logger     *zap.Logger
}

// New builds a Scheduler.
func New(
	engine SyncEngine,
	downloader Downloader,
	extractor Extractor,
	store schedulerStore,
	submitter Submitter,
	chains *worker.ChainRunner,
	ids corpus.IDGenerator,
	clock corpus.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.DownloadLimit <= 0 {
		cfg.DownloadLimit = 200
	}
	if cfg.ExtractLimit <= 0 {
		cfg.ExtractLimit = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:     engine,
		downloader: downloader,
		extractor:  extractor,
		store:      store,
		submitter:  submitter,
		chains:     chains,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleSync executes one sync task: an incremental catch-up, a single
// record fetch, or an explicit range.
func (s *Scheduler) HandleSync(ctx context.Context, task corpus.Task) error {
	switch {
	case task.Incremental:
		_, err := s.engine.SyncIncremental(ctx)
		return err
	case task.RecordID != "" || task.DOI != "":
		_, _, err := s.engine.FetchOne(ctx, task.RecordID, task.DOI)
		return err
	case task.FromDate != nil:
		subjectID, err := s.engine.ResolveSubject(ctx, task.Subject)
		if err != nil {
			return err
		}
		if task.Subject != "" && subjectID == "" {
			return &corpus.ValidationError{Field: "subject", Reason: fmt.Sprintf("unknown subject %q", task.Subject)}
		}
		_, err = s.engine.SyncRange(ctx, *task.FromDate, task.UntilDate, subjectID)
		return err
	default:
		return &corpus.ValidationError{Field: "task", Reason: "sync task carries no work"}
	}
}

// HandleDownload runs a download chain strictly in order.
func (s *Scheduler) HandleDownload(ctx context.Context, task corpus.Task) error {
	stats := s.chains.Run(ctx, task.RecordIDs, func(ctx context.Context, id string) error {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		outcome, err := s.downloader.EnsureDownloaded(ctx, rec)
		if err != nil {
			return err
		}
		metrics.ObserveDownload(string(outcome))
		return nil
	})
	s.logger.Info("download chain finished",
		zap.String("handle", task.Handle),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed))
	return nil
}

// HandleExtract runs an extraction chain strictly in order.
func (s *Scheduler) HandleExtract(ctx context.Context, task corpus.Task) error {
	stats := s.chains.Run(ctx, task.RecordIDs, func(ctx context.Context, id string) error {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		outcome, err := s.extractor.EnsureExtracted(ctx, rec)
		if err != nil {
			return err
		}
		metrics.ObserveExtraction(string(outcome))
		return nil
	})
	s.logger.Info("extraction chain finished",
		zap.String("handle", task.Handle),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed))
	return nil
}

// Run fires each enabled periodic job once immediately, then on its
// interval, until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	jobs := []struct {
		name     string
		interval time.Duration
		fire     func(ctx context.Context) error
	}{
		{"incremental-sync", s.cfg.SyncInterval, s.submitIncrementalSync},
		{"enqueue-downloads", s.cfg.DownloadInterval, func(ctx context.Context) error {
			_, err := s.SubmitDownloads(ctx)
			return err
		}},
		{"enqueue-extractions", s.cfg.ExtractInterval, func(ctx context.Context) error {
			_, err := s.SubmitExtractions(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration, fire func(ctx context.Context) error) {
			defer wg.Done()
			s.runJob(ctx, name, interval, fire)
		}(job.name, job.interval, job.fire)
	}
	wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, name string, interval time.Duration, fire func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fire(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("periodic job failed", zap.String("job", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) submitIncrementalSync(ctx context.Context) error {
	_, err := s.submit(ctx, corpus.Task{Kind: corpus.TaskSync, Incremental: true})
	return err
}

// SubmitSyncRange queues an ad-hoc range sync and returns its handle.
func (s *Scheduler) SubmitSyncRange(ctx context.Context, from time.Time, until *time.Time, subject string) (string, error) {
	if from.IsZero() {
		return "", &corpus.ValidationError{Field: "from", Reason: "lower publish-date bound is required"}
	}
	return s.submit(ctx, corpus.Task{
		Kind:      corpus.TaskSync,
		Subject:   subject,
		FromDate:  &from,
		UntilDate: until,
	})
}

// SubmitFetchOne queues a single-record fetch and returns its handle.
func (s *Scheduler) SubmitFetchOne(ctx context.Context, id, doi string) (string, error) {
	if id == "" && doi == "" {
		return "", &corpus.ValidationError{Field: "id", Reason: "either id or doi is required"}
	}
	return s.submit(ctx, corpus.Task{
		Kind:     corpus.TaskSync,
		RecordID: id,
		DOI:      doi,
	})
}

// SubmitDownloads selects pending downloads oldest-first and queues one
// chain task for them. Returns the empty handle when nothing is pending.
func (s *Scheduler) SubmitDownloads(ctx context.Context) (string, error) {
	recs, err := s.store.PendingDownloads(ctx, s.cfg.DownloadLimit)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	return s.submit(ctx, corpus.Task{
		Kind:      corpus.TaskDownload,
		RecordIDs: recordIDs(recs),
	})
}

// SubmitExtractions selects pending extractions oldest-first and queues
// one chain task for them.
func (s *Scheduler) SubmitExtractions(ctx context.Context) (string, error) {
	recs, err := s.store.PendingExtractions(ctx, s.cfg.ExtractLimit)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	return s.submit(ctx, corpus.Task{
		Kind:      corpus.TaskExtract,
		RecordIDs: recordIDs(recs),
	})
}

func (s *Scheduler) submit(ctx context.Context, task corpus.Task) (string, error) {
	handle, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("mint task handle: %w", err)
	}
	task.Handle = handle
	task.Submitted = s.clock.Now().UTC()
	if err := s.submitter.Submit(ctx, task); err != nil {
		return "", err
	}
	return handle, nil
}

func recordIDs(recs []corpus.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}
