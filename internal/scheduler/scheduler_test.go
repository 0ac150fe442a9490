package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/ingest"
	"github.com/openpreprints/preprintd/internal/worker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("handle-%d", g.n), nil
}

type fakeEngine struct {
	incrementalCalls int
	rangeFrom        time.Time
	rangeSubjectID   string
	fetchedID        string
	subjects         map[string]string
}

func (e *fakeEngine) SyncIncremental(context.Context) (ingest.Stats, error) {
	e.incrementalCalls++
	return ingest.Stats{}, nil
}

func (e *fakeEngine) SyncRange(_ context.Context, from time.Time, _ *time.Time, subjectID string) (ingest.Stats, error) {
	e.rangeFrom = from
	e.rangeSubjectID = subjectID
	return ingest.Stats{}, nil
}

func (e *fakeEngine) FetchOne(_ context.Context, id, _ string) (corpus.Record, corpus.UpsertResult, error) {
	e.fetchedID = id
	return corpus.Record{ID: id}, corpus.UpsertResult{Outcome: corpus.UpsertInserted}, nil
}

func (e *fakeEngine) ResolveSubject(_ context.Context, subject string) (string, error) {
	return e.subjects[subject], nil
}

type fakeDownloader struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (d *fakeDownloader) EnsureDownloaded(_ context.Context, rec corpus.Record) (corpus.DownloadOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, rec.ID)
	if d.fail[rec.ID] {
		return "", &corpus.ValidationError{Field: "rec", Reason: "permanent failure"}
	}
	return corpus.DownloadDone, nil
}

type fakeExtractor struct {
	seen []string
}

func (e *fakeExtractor) EnsureExtracted(_ context.Context, rec corpus.Record) (corpus.ExtractOutcome, error) {
	e.seen = append(e.seen, rec.ID)
	return corpus.ExtractDone, nil
}

type fakeSchedStore struct {
	pendingDownloads   []corpus.Record
	pendingExtractions []corpus.Record
}

func (s *fakeSchedStore) Get(_ context.Context, id string) (corpus.Record, error) {
	return corpus.Record{ID: id}, nil
}

func (s *fakeSchedStore) PendingDownloads(context.Context, int) ([]corpus.Record, error) {
	return s.pendingDownloads, nil
}

func (s *fakeSchedStore) PendingExtractions(context.Context, int) ([]corpus.Record, error) {
	return s.pendingExtractions, nil
}

type capturingSubmitter struct {
	mu    sync.Mutex
	tasks []corpus.Task
}

func (c *capturingSubmitter) Submit(_ context.Context, task corpus.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *capturingSubmitter) all() []corpus.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]corpus.Task(nil), c.tasks...)
}

func newScheduler(engine *fakeEngine, dl *fakeDownloader, ex *fakeExtractor, store *fakeSchedStore, sub *capturingSubmitter, cfg Config) *Scheduler {
	chains := worker.NewChainRunner(corpus.NewRetryPolicy(1, time.Millisecond, time.Millisecond), zap.NewNop())
	return New(engine, dl, ex, store, sub, chains, &seqIDs{}, fixedClock{now: time.Unix(1700000000, 0).UTC()}, cfg, zap.NewNop())
}

func TestHandleSyncIncremental(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	s := newScheduler(engine, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})
	require.NoError(t, s.HandleSync(context.Background(), corpus.Task{Kind: corpus.TaskSync, Incremental: true}))
	require.Equal(t, 1, engine.incrementalCalls)
}

func TestHandleSyncFetchOne(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	s := newScheduler(engine, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})
	require.NoError(t, s.HandleSync(context.Background(), corpus.Task{Kind: corpus.TaskSync, RecordID: "abc12"}))
	require.Equal(t, "abc12", engine.fetchedID)
}

func TestHandleSyncRangeResolvesSubject(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{subjects: map[string]string{"Psychology": "subj-1"}}
	s := newScheduler(engine, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	task := corpus.Task{Kind: corpus.TaskSync, Subject: "Psychology", FromDate: &from}
	require.NoError(t, s.HandleSync(context.Background(), task))
	require.Equal(t, from, engine.rangeFrom)
	require.Equal(t, "subj-1", engine.rangeSubjectID)
}

func TestHandleSyncRangeRejectsUnknownSubject(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{subjects: map[string]string{}}
	s := newScheduler(engine, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.HandleSync(context.Background(), corpus.Task{Kind: corpus.TaskSync, Subject: "Alchemy", FromDate: &from})
	var verr *corpus.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHandleDownloadRunsChainInOrderAndSurvivesFailures(t *testing.T) {
	t.Parallel()

	dl := &fakeDownloader{fail: map[string]bool{"b": true}}
	s := newScheduler(&fakeEngine{}, dl, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})

	task := corpus.Task{Kind: corpus.TaskDownload, RecordIDs: []string{"a", "b", "c"}}
	require.NoError(t, s.HandleDownload(context.Background(), task))
	require.Equal(t, []string{"a", "b", "c"}, dl.seen)
}

func TestHandleExtractRunsChain(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{}
	s := newScheduler(&fakeEngine{}, &fakeDownloader{}, ex, &fakeSchedStore{}, &capturingSubmitter{}, Config{})

	task := corpus.Task{Kind: corpus.TaskExtract, RecordIDs: []string{"x", "y"}}
	require.NoError(t, s.HandleExtract(context.Background(), task))
	require.Equal(t, []string{"x", "y"}, ex.seen)
}

func TestSubmitDownloadsQueuesOldestFirst(t *testing.T) {
	t.Parallel()

	store := &fakeSchedStore{pendingDownloads: []corpus.Record{{ID: "old"}, {ID: "new"}}}
	sub := &capturingSubmitter{}
	s := newScheduler(&fakeEngine{}, &fakeDownloader{}, &fakeExtractor{}, store, sub, Config{})

	handle, err := s.SubmitDownloads(context.Background())
	require.NoError(t, err)
	require.Equal(t, "handle-1", handle)

	tasks := sub.all()
	require.Len(t, tasks, 1)
	require.Equal(t, corpus.TaskDownload, tasks[0].Kind)
	require.Equal(t, []string{"old", "new"}, tasks[0].RecordIDs)
	require.False(t, tasks[0].Submitted.IsZero())
}

func TestSubmitDownloadsNothingPending(t *testing.T) {
	t.Parallel()

	sub := &capturingSubmitter{}
	s := newScheduler(&fakeEngine{}, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, sub, Config{})

	handle, err := s.SubmitDownloads(context.Background())
	require.NoError(t, err)
	require.Empty(t, handle)
	require.Empty(t, sub.all())
}

func TestSubmitFetchOneRequiresIdentifier(t *testing.T) {
	t.Parallel()

	s := newScheduler(&fakeEngine{}, &fakeDownloader{}, &fakeExtractor{}, &fakeSchedStore{}, &capturingSubmitter{}, Config{})
	_, err := s.SubmitFetchOne(context.Background(), "", "")
	var verr *corpus.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRunFiresEnabledJobsImmediately(t *testing.T) {
	t.Parallel()

	store := &fakeSchedStore{
		pendingDownloads:   []corpus.Record{{ID: "d1"}},
		pendingExtractions: []corpus.Record{{ID: "e1"}},
	}
	sub := &capturingSubmitter{}
	s := newScheduler(&fakeEngine{}, &fakeDownloader{}, &fakeExtractor{}, store, sub, Config{
		SyncInterval:     time.Hour,
		DownloadInterval: time.Hour,
		ExtractInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		kinds := map[corpus.TaskKind]bool{}
		for _, task := range sub.all() {
			kinds[task.Kind] = true
		}
		return kinds[corpus.TaskSync] && kinds[corpus.TaskDownload] && kinds[corpus.TaskExtract]
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
