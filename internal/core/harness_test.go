package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/events"
	"github.com/orrn/labelpress/internal/template"
)

// testClock advances by a millisecond on every read so that submission
// order is always reflected in CreatedAt.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sendCall struct {
	printerID string
	label     string
}

type fakeTransport struct {
	mu      sync.Mutex
	send    func(ctx context.Context, printerID string, call int) error
	calls   []sendCall
	active  map[string]int
	overlap bool
	reach   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{active: make(map[string]int), reach: true}
}

func (f *fakeTransport) Send(ctx context.Context, printerID string, data []byte) (*SendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{printerID: printerID, label: string(data)})
	n := len(f.calls)
	f.active[printerID]++
	if f.active[printerID] > 1 {
		f.overlap = true
	}
	fn := f.send
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[printerID]--
		f.mu.Unlock()
	}()

	start := time.Now()
	if fn != nil {
		if err := fn(ctx, printerID, n); err != nil {
			return nil, err
		}
	}
	return &SendResult{Success: true, Elapsed: time.Since(start)}, nil
}

func (f *fakeTransport) TestConnection(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reach
}

func (f *fakeTransport) setSend(fn func(ctx context.Context, printerID string, call int) error) {
	f.mu.Lock()
	f.send = fn
	f.mu.Unlock()
}

func (f *fakeTransport) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.label
	}
	return out
}

func (f *fakeTransport) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

// echoCompiler emits the first label item's id as the payload.
var echoCompiler = CompilerFunc(func(ctx context.Context, _ *template.Template, items []LabelData) (*CompiledOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewCompiledOutput(FormatJSON, []byte(items[0].ID)), nil
})

type harness struct {
	q     *Queue
	store *MemoryStore
	rec   *events.Recorder
	tr    *fakeTransport
	clock *testClock
}

func testConfigs() (*config.QueueConfig, *config.PrintersConfig) {
	d := config.Default()
	qc := d.Queue
	qc.RetryDelay = 10 * time.Millisecond
	qc.MaxRetryDelay = 40 * time.Millisecond
	qc.CancelGrace = 200 * time.Millisecond
	qc.DefaultTimeout = 5 * time.Second
	pc := d.Printers
	pc.HeartbeatInterval = time.Hour
	pc.HeartbeatTimeout = time.Minute
	return &qc, &pc
}

func newHarness(t *testing.T, tune func(*config.QueueConfig, *config.PrintersConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryStore(), tune)
}

func newHarnessWithStore(t *testing.T, store *MemoryStore, tune func(*config.QueueConfig, *config.PrintersConfig)) *harness {
	t.Helper()
	qc, pc := testConfigs()
	if tune != nil {
		tune(qc, pc)
	}
	h := &harness{
		store: store,
		rec:   events.NewRecorder(),
		tr:    newFakeTransport(),
		clock: newTestClock(),
	}
	h.q = NewQueue(store, echoCompiler, h.tr, h.rec, qc, pc, WithClock(h.clock.Now))
	require.NoError(t, h.q.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.q.Shutdown(ctx)
	})
	return h
}

func (h *harness) printer(t *testing.T, id string, status PrinterState) {
	t.Helper()
	_, err := h.q.RegisterPrinter(Printer{ID: id, Status: status})
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, spec JobSpec) string {
	t.Helper()
	id, err := h.q.Submit(spec)
	require.NoError(t, err)
	return id
}

func (h *harness) job(t *testing.T, id string) *Job {
	t.Helper()
	j, err := h.q.GetJob(id)
	require.NoError(t, err)
	return j
}

func (h *harness) waitStatus(t *testing.T, id string, want JobStatus) *Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.q.GetJob(id)
		return err == nil && j.Status == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return h.job(t, id)
}

func retries(n int) *int { return &n }

func labelSpec(printerID, label string) JobSpec {
	return JobSpec{
		PrinterID:         printerID,
		LabelItems:        []LabelData{{ID: label, Fields: map[string]any{"sku": label}}},
		EstimatedDuration: time.Second,
	}
}

// gate blocks every send until released or the send's context ends.
func gate(release <-chan struct{}) func(ctx context.Context, _ string, _ int) error {
	return func(ctx context.Context, _ string, _ int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
