package engine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/pbaille/classifier/internal/classifier"
	"github.com/pbaille/classifier/internal/config"
	"github.com/pbaille/classifier/internal/domain"
	"github.com/pbaille/classifier/internal/observe"
	"github.com/pbaille/classifier/internal/store"
)

const religion = 48

// termClassifier matches entries containing term and fails on "boom"
type termClassifier struct {
	term string
}

func (c termClassifier) Classify(_ *classifier.Tagger, tokens domain.Tokens) (classifier.Score, error) {
	if tokens["boom"] > 0 {
		return classifier.Score{}, errors.New("boom")
	}
	if tokens[c.term] > 0 {
		return classifier.Score{Probability: 0.99, Matched: true}, nil
	}
	return classifier.Score{Probability: 0.01}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "classifier.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateFeed(context.Background(), 426, "feed"); err != nil {
		t.Fatalf("CreateFeed() error = %v", err)
	}
	return st
}

func addEntry(t *testing.T, st *store.Store, id int64, tokens domain.Tokens) {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateEntry(ctx, domain.Entry{ID: id, FeedID: 426, Text: "text"})
	if err != nil {
		t.Fatalf("CreateEntry(%d) error = %v", id, err)
	}
	if tokens != nil {
		if err := st.ReplaceTokens(ctx, id, tokens); err != nil {
			t.Fatalf("ReplaceTokens(%d) error = %v", id, err)
		}
	}
}

// seed stores a trained tag and a small population, 2 of 4 tokenized
// entries mentioning god
func seed(t *testing.T, st *store.Store) {
	t.Helper()
	addEntry(t, st, 1, domain.Tokens{"god": 2, "faith": 1})
	addEntry(t, st, 2, domain.Tokens{"football": 3})
	addEntry(t, st, 3, domain.Tokens{"god": 1, "prayer": 2})
	addEntry(t, st, 4, domain.Tokens{"market": 1})
	addEntry(t, st, 5, nil) // untokenized

	_, err := st.SaveTag(context.Background(), domain.Tag{ID: religion, Name: "a-religion"}, []domain.Example{
		{EntryID: 1, Positive: true},
		{EntryID: 2, Positive: false},
	})
	if err != nil {
		t.Fatalf("SaveTag() error = %v", err)
	}
}

func newEngine(t *testing.T, st Store, cfg config.Engine) *Engine {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	e := New(st, termClassifier{term: "god"}, cfg)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

// wait polls a job until it is terminal and returns the observed progress
func wait(t *testing.T, e *Engine, id string) (domain.Job, []int) {
	t.Helper()
	var seen []int
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := e.Job(id)
		if err != nil {
			t.Fatalf("Job(%s) error = %v", id, err)
		}
		seen = append(seen, j.Progress)
		if j.Status.Terminal() {
			return j, seen
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return domain.Job{}, nil
}

func matched(t *testing.T, st *store.Store, tagID int64) []int64 {
	t.Helper()
	taggings, err := st.Taggings(context.Background(), tagID)
	if err != nil {
		t.Fatalf("Taggings() error = %v", err)
	}
	var ids []int64
	for _, tg := range taggings {
		if tg.Matched {
			ids = append(ids, tg.EntryID)
		}
	}
	return ids
}

func TestCreateJob_IsWaiting(t *testing.T) {
	st := newTestStore(t)
	e := New(st, termClassifier{term: "god"}, config.Engine{Workers: 1})

	j := e.CreateJob(religion)
	if j.Status != domain.JobWaiting || j.Progress != 0 || j.TagID != religion || j.ID == "" {
		t.Errorf("CreateJob() = %+v", j)
	}
	if e.NumJobs() != 1 || e.NumWaiting() != 1 {
		t.Errorf("NumJobs, NumWaiting = %d, %d, want 1, 1", e.NumJobs(), e.NumWaiting())
	}
	if e.IsRunning() {
		t.Error("IsRunning() before Start")
	}
}

func TestJob_Completes(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	j, seen := wait(t, e, e.CreateJob(religion).ID)

	if j.Status != domain.JobComplete || j.Progress != 100 {
		t.Fatalf("job = %+v, want complete at 100", j)
	}
	if j.StartedAt == nil || j.FinishedAt == nil || j.Duration() < 0 {
		t.Errorf("job timestamps = %v, %v", j.StartedAt, j.FinishedAt)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went back: %v", seen)
		}
	}
	if got, want := matched(t, st, religion), []int64{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want %v", got, want)
	}
	// untokenized entries are not classified
	taggings, _ := st.Taggings(context.Background(), religion)
	if len(taggings) != 4 {
		t.Errorf("taggings = %d, want 4", len(taggings))
	}
}

func TestJob_Idempotent(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	wait(t, e, e.CreateJob(religion).ID)
	first, _ := st.Taggings(context.Background(), religion)
	wait(t, e, e.CreateJob(religion).ID)
	second, _ := st.Taggings(context.Background(), religion)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("second run changed taggings:\n%v\n%v", first, second)
	}
}

func TestJob_PopulationDelta(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	wait(t, e, e.CreateJob(religion).ID)
	before, _ := st.CountTaggings(ctx, religion, true)

	addEntry(t, st, 6, domain.Tokens{"god": 5})
	wait(t, e, e.CreateJob(religion).ID)
	after, _ := st.CountTaggings(ctx, religion, true)

	if after-before != 1 {
		t.Errorf("matched taggings %d -> %d, want +1", before, after)
	}
}

func TestJob_StaleTaggingsAreReplaced(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	wait(t, e, e.CreateJob(religion).ID)
	if err := st.ReplaceTokens(ctx, 3, domain.Tokens{"weather": 1}); err != nil {
		t.Fatalf("ReplaceTokens() error = %v", err)
	}
	wait(t, e, e.CreateJob(religion).ID)

	if got, want := matched(t, st, religion), []int64{1}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want %v", got, want)
	}
}

func TestJob_ScoringErrorIsUnmatched(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	addEntry(t, st, 7, domain.Tokens{"god": 1, "boom": 1})
	e := newEngine(t, st, config.Engine{})

	j, _ := wait(t, e, e.CreateJob(religion).ID)
	if j.Status != domain.JobComplete {
		t.Fatalf("status = %s, want complete", j.Status)
	}
	if got, want := matched(t, st, religion), []int64{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want %v", got, want)
	}
}

func TestJob_FailsWithoutCorpus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)
	if err := st.UpsertTagging(ctx, domain.Tagging{EntryID: 4, TagID: 99, Matched: true}); err != nil {
		t.Fatalf("UpsertTagging() error = %v", err)
	}
	e := newEngine(t, st, config.Engine{})

	j, _ := wait(t, e, e.CreateJob(99).ID)
	if j.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.Error == "" {
		t.Error("failed job has no error message")
	}
	if got, want := matched(t, st, 99), []int64{4}; !reflect.DeepEqual(got, want) {
		t.Errorf("taggings of tag 99 = %v, want untouched %v", got, want)
	}
}

func TestJob_EmptyPopulation(t *testing.T) {
	st := newTestStore(t)
	addEntry(t, st, 1, nil)
	if _, err := st.SaveTag(context.Background(), domain.Tag{ID: religion}, []domain.Example{{EntryID: 1, Positive: true}}); err != nil {
		t.Fatalf("SaveTag() error = %v", err)
	}
	e := newEngine(t, st, config.Engine{})

	// the only positive example is not tokenized
	j, _ := wait(t, e, e.CreateJob(religion).ID)
	if j.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
}

func TestSuspendResume(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})
	e.Suspend()
	if !e.IsSuspended() || !e.IsRunning() {
		t.Fatalf("IsSuspended, IsRunning = %v, %v", e.IsSuspended(), e.IsRunning())
	}

	id := e.CreateJob(religion).ID
	time.Sleep(20 * time.Millisecond)
	if j, _ := e.Job(id); j.Status != domain.JobWaiting {
		t.Fatalf("status while suspended = %s, want waiting", j.Status)
	}
	if e.NumWaiting() != 1 {
		t.Errorf("NumWaiting() = %d, want 1", e.NumWaiting())
	}

	e.Resume()
	if j, _ := wait(t, e, id); j.Status != domain.JobComplete {
		t.Errorf("status after resume = %s, want complete", j.Status)
	}
	if e.NumWaiting() != 0 {
		t.Errorf("NumWaiting() = %d, want 0", e.NumWaiting())
	}
}

func TestCancelJob(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})
	e.Suspend()

	id := e.CreateJob(religion).ID
	if err := e.CancelJob(id); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if _, err := e.Job(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job() error = %v, want ErrJobNotFound", err)
	}
	if err := e.CancelJob(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second CancelJob() error = %v, want ErrJobNotFound", err)
	}
	if err := e.RemoveJob(id); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RemoveJob() error = %v, want ErrJobNotFound", err)
	}

	e.Resume()
	deadline := time.Now().Add(5 * time.Second)
	for e.NumJobs() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if e.NumJobs() != 0 {
		t.Errorf("NumJobs() = %d, want the cancelled job reaped", e.NumJobs())
	}
	if got := matched(t, st, religion); len(got) != 0 {
		t.Errorf("cancelled job wrote taggings %v", got)
	}
}

func TestRemoveJob(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	e.Suspend()
	waiting := e.CreateJob(religion).ID
	if err := e.RemoveJob(waiting); !errors.Is(err, ErrJobNotTerminal) {
		t.Errorf("RemoveJob(waiting) error = %v, want ErrJobNotTerminal", err)
	}
	e.Resume()

	wait(t, e, waiting)
	if err := e.RemoveJob(waiting); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if _, err := e.Job(waiting); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job() error = %v, want ErrJobNotFound", err)
	}
	if err := e.RemoveJob("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RemoveJob(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestReap(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	e.Suspend()
	waiting := e.CreateJob(religion).ID
	done := e.CreateJob(religion).ID
	e.mu.Lock()
	e.queue = nil // keep both out of the workers' reach
	e.mu.Unlock()
	e.Resume()

	e.mu.Lock()
	finished := time.Now().Add(-time.Hour)
	e.jobs[done].state.Status = domain.JobComplete
	e.jobs[done].state.FinishedAt = &finished
	e.mu.Unlock()

	if n := e.reap(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("reap() = %d, want 1", n)
	}
	if _, err := e.Job(done); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job(done) error = %v, want ErrJobNotFound", err)
	}
	if _, err := e.Job(waiting); err != nil {
		t.Errorf("Job(waiting) error = %v", err)
	}
}

func TestClassifyEntry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)
	e := newEngine(t, st, config.Engine{})

	addEntry(t, st, 10, domain.Tokens{"god": 1})
	if err := e.ClassifyEntry(ctx, 10); err != nil {
		t.Fatalf("ClassifyEntry() before any job error = %v", err)
	}
	if got := matched(t, st, religion); len(got) != 0 {
		t.Errorf("matched before any job = %v, want none", got)
	}

	wait(t, e, e.CreateJob(religion).ID)

	addEntry(t, st, 11, domain.Tokens{"god": 2})
	addEntry(t, st, 12, domain.Tokens{"sports": 2})
	for _, id := range []int64{11, 12} {
		if err := e.ClassifyEntry(ctx, id); err != nil {
			t.Fatalf("ClassifyEntry(%d) error = %v", id, err)
		}
	}
	if got, want := matched(t, st, religion), []int64{1, 3, 10, 11}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want %v", got, want)
	}
	if n, _ := st.CountTaggings(ctx, religion, false); n != 3 {
		t.Errorf("unmatched taggings = %d, want 3", n)
	}
}

// blockingStore holds EachTokenizedEntry until released
type blockingStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) EachTokenizedEntry(ctx context.Context, fn func(int64, domain.Tokens) error) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.EachTokenizedEntry(ctx, fn)
}

func TestCancelJob_Running(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	bs := &blockingStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, bs, config.Engine{})

	id := e.CreateJob(religion).ID
	select {
	case <-bs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	if j, _ := e.Job(id); j.Status != domain.JobRunning {
		t.Fatalf("status = %s, want running", j.Status)
	}

	if err := e.CancelJob(id); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	close(bs.release)

	deadline := time.Now().Add(5 * time.Second)
	for e.NumJobs() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if e.NumJobs() != 0 {
		t.Errorf("NumJobs() = %d, want the cancelled job reaped", e.NumJobs())
	}
	if got := matched(t, st, religion); len(got) != 0 {
		t.Errorf("cancelled job wrote taggings %v", got)
	}
}

// commitStore holds ReplaceTaggingsForTag until released and records how
// many commits overlap
type commitStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	active  int
	overlap int
}

func (c *commitStore) ReplaceTaggingsForTag(ctx context.Context, tagID int64, taggings []domain.Tagging) error {
	c.mu.Lock()
	c.active++
	c.overlap = max(c.overlap, c.active)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Store.ReplaceTaggingsForTag(ctx, tagID, taggings)
}

func TestJob_SameTagRunsAreSerialized(t *testing.T) {
	st := newTestStore(t)
	seed(t, st)
	cs := &commitStore{Store: st, entered: make(chan struct{}, 2), release: make(chan struct{})}
	e := newEngine(t, cs, config.Engine{Workers: 2})

	first := e.CreateJob(religion).ID
	select {
	case <-cs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not reach its commit")
	}

	// the second run sees one more matching entry
	addEntry(t, st, 6, domain.Tokens{"god": 3})
	second := e.CreateJob(religion).ID

	select {
	case <-cs.entered:
		t.Fatal("second job committed while the first one holds the tag")
	case <-time.After(100 * time.Millisecond):
	}
	close(cs.release)

	for _, id := range []string{first, second} {
		if j, _ := wait(t, e, id); j.Status != domain.JobComplete {
			t.Errorf("job %s status = %s, want complete", id, j.Status)
		}
	}

	cs.mu.Lock()
	overlap := cs.overlap
	cs.mu.Unlock()
	if overlap != 1 {
		t.Errorf("overlapping commits = %d, want 1", overlap)
	}
	if got, want := matched(t, st, religion), []int64{1, 3, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want the second snapshot %v", got, want)
	}
	if taggings, _ := st.Taggings(context.Background(), religion); len(taggings) != 5 {
		t.Errorf("taggings = %d, want 5", len(taggings))
	}
}

// failingMeter refuses every instrument
type failingMeter struct {
	noop.Meter
}

func (failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return noop.Int64Counter{}, errors.New("counter refused")
}

func (failingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return noop.Float64Histogram{}, errors.New("histogram refused")
}

func TestNew_LogsInstrumentErrors(t *testing.T) {
	st := newTestStore(t)
	var buf bytes.Buffer
	tel := &observe.Telemetry{Meter: failingMeter{}, Tracer: observe.Noop().Tracer}

	// telemetry before logger: the error is still logged
	e := New(st, termClassifier{term: "god"}, config.Engine{Workers: 1},
		WithTelemetry(tel),
		WithLogger(observe.NewLogger("engine", "warn", &buf)),
	)

	out := buf.String()
	if !strings.Contains(out, "counter refused") || !strings.Contains(out, "histogram refused") {
		t.Errorf("log = %q, want both instrument errors", out)
	}

	e.Start(context.Background())
	t.Cleanup(e.Stop)
	seed(t, st)
	if j, _ := wait(t, e, e.CreateJob(religion).ID); j.Status != domain.JobComplete {
		t.Errorf("status = %s, want complete with no-op instruments", j.Status)
	}
}

func TestStop(t *testing.T) {
	st := newTestStore(t)
	e := New(st, termClassifier{term: "god"}, config.Engine{Workers: 2})
	e.Start(context.Background())
	if !e.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	e.Stop()
	e.Stop()
	if e.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}
