package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]domain.ProcessingItem
}

func newMemStore() ports.StatusStore {
	return &memStore{items: make(map[string]domain.ProcessingItem)}
}

func (s *memStore) Set(item domain.ProcessingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
}

func (s *memStore) Get(id string) (domain.ProcessingItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *memStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]domain.ProcessingItem)
}

func (s *memStore) Snapshot() map[string]domain.ProcessingItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.ProcessingItem, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

type registryFake struct {
	mu     sync.Mutex
	latest string
	stores map[string]ports.StatusStore
}

func (r *registryFake) Register(jobID string, store ports.StatusStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stores == nil {
		r.stores = make(map[string]ports.StatusStore)
	}
	r.stores[jobID] = store
	r.latest = jobID
}

func (r *registryFake) Get(jobID string) (ports.StatusStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[jobID]
	return s, ok
}

func (r *registryFake) Latest() (string, ports.StatusStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == "" {
		return "", nil, false
	}
	return r.latest, r.stores[r.latest], true
}

type publisherFake struct {
	mu      sync.Mutex
	events  []domain.Event
	onEvent func(domain.Event)
}

func (p *publisherFake) Publish(_ context.Context, topic string, payload any) {
	ev := domain.Event{Topic: topic, Payload: payload}
	p.mu.Lock()
	p.events = append(p.events, ev)
	hook := p.onEvent
	p.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (p *publisherFake) batchEvents() []domain.BatchEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.BatchEvent
	for _, ev := range p.events {
		if b, ok := ev.Payload.(domain.BatchEvent); ok {
			out = append(out, b)
		}
	}
	return out
}

func (p *publisherFake) stagesByRef() map[string][]domain.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]domain.Stage)
	for _, ev := range p.events {
		if s, ok := ev.Payload.(domain.StatusEvent); ok {
			out[s.FileRef] = append(out[s.FileRef], s.Status.Stage)
		}
	}
	return out
}

type batchExtractorFake struct {
	mu     sync.Mutex
	errs   map[string]error
	panics map[string]bool
	wait   map[string]chan struct{}
	block  bool
	calls  []string
}

func (f *batchExtractorFake) Extract(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	err := f.errs[ref]
	shouldPanic := f.panics[ref]
	gate := f.wait[ref]
	f.mu.Unlock()

	if shouldPanic {
		panic("extractor exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
			return "", errors.New("gate timeout")
		}
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "text:" + ref, nil
}

type batchNormalizerFake struct {
	mu    sync.Mutex
	errs  map[string]error
	calls int
}

func (f *batchNormalizerFake) Normalize(_ context.Context, text string) (domain.InvoiceRecord, error) {
	f.mu.Lock()
	f.calls++
	err := f.errs[strings.TrimPrefix(text, "text:")]
	f.mu.Unlock()
	if err != nil {
		return domain.InvoiceRecord{}, err
	}
	number := strings.TrimPrefix(text, "text:")
	return domain.InvoiceRecord{InvoiceNumber: &number}, nil
}

type metricsFake struct {
	mu       sync.Mutex
	started  int
	finished map[domain.ItemStatus]int
	batches  int
}

func (m *metricsFake) StartItem() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *metricsFake) FinishItem(_ domain.ServiceStage, status domain.ItemStatus, _ time.Duration) {
	m.mu.Lock()
	if m.finished == nil {
		m.finished = make(map[domain.ItemStatus]int)
	}
	m.finished[status]++
	m.mu.Unlock()
}

func (m *metricsFake) ObserveBatch(int, int, time.Duration) {
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
}

type recorderFake struct {
	outcomes []domain.Outcome
	err      error
}

func (r *recorderFake) RecordOutcomes(_ context.Context, outcomes []domain.Outcome) error {
	r.outcomes = append(r.outcomes, outcomes...)
	return r.err
}

type batchFixture struct {
	extractor  *batchExtractorFake
	normalizer *batchNormalizerFake
	publisher  *publisherFake
	registry   *registryFake
	metrics    *metricsFake
	recorder   *recorderFake
	uc         *ProcessBatchUseCase
}

func newBatchFixture(opts BatchOptions) *batchFixture {
	f := &batchFixture{
		extractor:  &batchExtractorFake{errs: map[string]error{}, panics: map[string]bool{}, wait: map[string]chan struct{}{}},
		normalizer: &batchNormalizerFake{errs: map[string]error{}},
		publisher:  &publisherFake{},
		registry:   &registryFake{},
		metrics:    &metricsFake{},
		recorder:   &recorderFake{},
	}
	f.uc = NewProcessBatchUseCase(
		f.extractor,
		f.normalizer,
		f.publisher,
		f.registry,
		newMemStore,
		opts,
		WithMetrics(f.metrics),
		WithOutcomeRecorder(f.recorder),
	)
	return f
}

func refs(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "https://files.example.com/" + n + ".pdf"
	}
	return out
}

func assertPartition(t *testing.T, input []string, res *domain.BatchResult) {
	t.Helper()
	if len(res.Results)+len(res.FailedURLs) != len(input) {
		t.Fatalf("expected %d outcomes, got %d results + %d failures", len(input), len(res.Results), len(res.FailedURLs))
	}
	seen := make(map[string]int)
	for _, r := range res.Results {
		seen[r.FileRef]++
	}
	for _, f := range res.FailedURLs {
		seen[f.URL]++
	}
	for _, ref := range input {
		if seen[ref] != 1 {
			t.Fatalf("expected %s exactly once across results and failures, got %d", ref, seen[ref])
		}
	}
}

func TestRunPartitionsIntoSequentialBatches(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("a", "b", "c")

	res, err := f.uc.Run(context.Background(), input, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TotalBatches != 2 || res.BatchSize != 2 {
		t.Fatalf("expected 2 batches of 2, got %d/%d", res.TotalBatches, res.BatchSize)
	}
	assertPartition(t, input, res)

	batches := f.publisher.batchEvents()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batch events, got %d", len(batches))
	}
	if len(batches[0].Results) != 2 || len(batches[1].Results) != 1 {
		t.Fatalf("unexpected batch sizes %d and %d", len(batches[0].Results), len(batches[1].Results))
	}
	if batches[1].Results[0].FileRef != input[2] {
		t.Fatalf("expected c in the second batch, got %s", batches[1].Results[0].FileRef)
	}

	store, ok := f.registry.Get(res.JobID)
	if !ok {
		t.Fatalf("expected job store to be registered")
	}
	item, _ := store.Get(input[2])
	if item.BatchNumber != 2 || item.TotalBatches != 2 || item.FileName != "c.pdf" {
		t.Fatalf("unexpected item bookkeeping: %+v", item)
	}
}

func TestRunExtractionFailureDoesNotBlockSiblings(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("a", "b")
	f.extractor.errs[input[1]] = domain.WrapError(domain.ErrDownload, "fetch", errors.New("http 404"))

	gate := make(chan struct{})
	var once sync.Once
	f.extractor.wait[input[0]] = gate
	f.publisher.onEvent = func(ev domain.Event) {
		s, ok := ev.Payload.(domain.StatusEvent)
		if ok && s.FileRef == input[1] && s.Status.Status == domain.StatusError {
			once.Do(func() { close(gate) })
		}
	}

	res, err := f.uc.Run(context.Background(), input, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPartition(t, input, res)
	if len(res.Results) != 1 || res.Results[0].FileRef != input[0] {
		t.Fatalf("expected a to be processed, got %+v", res.Results)
	}
	failed := res.FailedURLs[0]
	if failed.URL != input[1] || failed.Stage != domain.StageError || failed.Status != domain.StatusError {
		t.Fatalf("unexpected failure entry: %+v", failed)
	}
	if !strings.Contains(failed.Error, "http 404") {
		t.Fatalf("expected download error message, got %q", failed.Error)
	}
	if res.Success() {
		t.Fatalf("expected success=false with a failure")
	}
	if f.normalizer.calls != 1 {
		t.Fatalf("expected only a to reach normalization, got %d calls", f.normalizer.calls)
	}
}

func TestRunNormalizationFailureKeepsMessage(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("a", "b", "c")
	f.normalizer.errs["https://files.example.com/c.pdf"] = fmt.Errorf("normalize: retries exhausted after 3 attempts: invalid character 'N'")

	res, err := f.uc.Run(context.Background(), input, 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPartition(t, input, res)
	if len(res.FailedURLs) != 1 {
		t.Fatalf("expected one failure, got %+v", res.FailedURLs)
	}
	msg := res.FailedURLs[0].Error
	if !strings.Contains(msg, "retries exhausted after 3 attempts") {
		t.Fatalf("expected exhausted retries in message, got %q", msg)
	}
	if !strings.Contains(msg, domain.ErrNormalization.Error()) {
		t.Fatalf("expected normalization kind in message, got %q", msg)
	}
}

func TestRunAllSucceedPublishesOrderedBatchEvents(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")

	res, err := f.uc.Run(context.Background(), input, 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Results) != 10 || len(res.FailedURLs) != 0 || !res.Success() {
		t.Fatalf("expected 10 results and no failures, got %d/%d", len(res.Results), len(res.FailedURLs))
	}
	for i, r := range res.Results {
		if r.FileRef != input[i] {
			t.Fatalf("expected results in input order, position %d has %s", i, r.FileRef)
		}
		if r.Data.InvoiceNumber == nil || *r.Data.InvoiceNumber != input[i] {
			t.Fatalf("unexpected data for %s", r.FileRef)
		}
	}
	batches := f.publisher.batchEvents()
	if len(batches) != 2 || batches[0].BatchNumber != 1 || batches[1].BatchNumber != 2 {
		t.Fatalf("expected batch events 1,2 got %+v", batches)
	}
	if f.metrics.started != 10 || f.metrics.finished[domain.StatusProcessed] != 10 || f.metrics.batches != 2 {
		t.Fatalf("unexpected metrics %+v", f.metrics)
	}
	if len(f.recorder.outcomes) != 10 {
		t.Fatalf("expected 10 recorded outcomes, got %d", len(f.recorder.outcomes))
	}
}

func TestRunStagesNeverRegress(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("a", "b", "c", "d")
	f.extractor.errs[input[1]] = domain.WrapError(domain.ErrExtraction, "extract", errors.New("no pages"))
	f.normalizer.errs[input[2]] = errors.New("boom")

	if _, err := f.uc.Run(context.Background(), input, 3); err != nil {
		t.Fatalf("run: %v", err)
	}

	order := map[domain.Stage]int{"": 0, domain.StageReading: 1, domain.StageAnalyzing: 2, domain.StageCompleted: 3, domain.StageError: 3}
	for ref, stages := range f.publisher.stagesByRef() {
		for i := 1; i < len(stages); i++ {
			if order[stages[i]] < order[stages[i-1]] {
				t.Fatalf("%s: stage regressed %v", ref, stages)
			}
		}
		last := stages[len(stages)-1]
		if last != domain.StageCompleted && last != domain.StageError {
			t.Fatalf("%s: ended in non-terminal stage %v", ref, stages)
		}
	}
}

func TestRunBatchPanicFailsOnlyThatBatch(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := refs("a", "b", "c")
	f.extractor.panics[input[1]] = true

	res, err := f.uc.Run(context.Background(), input, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPartition(t, input, res)
	if len(res.Results) != 1 || res.Results[0].FileRef != input[2] {
		t.Fatalf("expected only the second batch to succeed, got %+v", res.Results)
	}
	for _, failed := range res.FailedURLs {
		if failed.Status != domain.StatusFailed {
			t.Fatalf("expected batch failure status, got %+v", failed)
		}
		if !strings.Contains(failed.Error, domain.ErrBatch.Error()) || !strings.Contains(failed.Error, "extractor exploded") {
			t.Fatalf("expected batch error message, got %q", failed.Error)
		}
	}
}

func TestRunCancelledContextFailsRemainingItems(t *testing.T) {
	f := newBatchFixture(BatchOptions{SettleDelay: time.Hour})
	f.extractor.block = true
	input := refs("a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan *domain.BatchResult, 1)
	go func() {
		res, _ := f.uc.Run(ctx, input, 2)
		done <- res
	}()

	select {
	case res := <-done:
		assertPartition(t, input, res)
		if len(res.FailedURLs) != 3 {
			t.Fatalf("expected every item to fail after cancel, got %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not finish after cancellation")
	}
}

func TestRunExtractTimeoutIsItemFailure(t *testing.T) {
	f := newBatchFixture(BatchOptions{ExtractTimeout: 10 * time.Millisecond})
	f.extractor.block = true
	input := refs("a")

	res, err := f.uc.Run(context.Background(), input, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.FailedURLs) != 1 || !strings.Contains(res.FailedURLs[0].Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline failure, got %+v", res.FailedURLs)
	}
	if !strings.Contains(res.FailedURLs[0].Error, domain.ErrExtraction.Error()) {
		t.Fatalf("expected extraction kind, got %q", res.FailedURLs[0].Error)
	}
}

func TestRunDuplicateRefsAreIndependentItems(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	input := []string{"s3://bucket/a.pdf", "s3://bucket/a.pdf"}

	res, err := f.uc.Run(context.Background(), input, 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected both duplicates to be processed, got %d", len(res.Results))
	}
	if len(f.extractor.calls) != 2 {
		t.Fatalf("expected two extraction calls, got %d", len(f.extractor.calls))
	}
}

func TestRunValidatesInput(t *testing.T) {
	f := newBatchFixture(BatchOptions{MaxRefs: 2})

	cases := []struct {
		name string
		refs []string
		size int
	}{
		{name: "empty", refs: nil, size: 1},
		{name: "negative batch", refs: refs("a"), size: -1},
		{name: "too many", refs: refs("a", "b", "c"), size: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.uc.Run(context.Background(), tc.refs, tc.size)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestRunUsesDefaultBatchSizeAndRequestJobID(t *testing.T) {
	f := newBatchFixture(BatchOptions{DefaultBatchSize: 2})
	res, err := f.uc.RunRequest(context.Background(), domain.JobRequest{JobID: "job-42", FileRefs: refs("a", "b", "c")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.JobID != "job-42" || res.BatchSize != 2 || res.TotalBatches != 2 {
		t.Fatalf("unexpected result header %+v", res)
	}
	if latest, _, _ := f.registry.Latest(); latest != "job-42" {
		t.Fatalf("expected job to be registered as latest, got %q", latest)
	}
}

func TestRunRecorderFailureDoesNotFailJob(t *testing.T) {
	f := newBatchFixture(BatchOptions{})
	f.recorder.err = errors.New("db down")

	res, err := f.uc.Run(context.Background(), refs("a"), 1)
	if err != nil || !res.Success() {
		t.Fatalf("expected successful job despite recorder failure, got %+v %v", res, err)
	}
}
