package dispatch

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"smsdispatch/internal/carrier"
	"smsdispatch/internal/storage"
	"smsdispatch/internal/transport"
	"smsdispatch/pkg/logx"
)

type capturedCall struct {
	URL     string
	Query   url.Values
	Body    map[string]string
	Timeout time.Duration
}

// fakeClient scripts transport responses per call.
type fakeClient struct {
	mu      sync.Mutex
	calls   []capturedCall
	respond func(n int) (*transport.Result, *transport.Error)
}

func (f *fakeClient) Post(_ context.Context, rawURL string, query url.Values, body any, timeout time.Duration) (*transport.Result, *transport.Error) {
	f.mu.Lock()
	f.calls = append(f.calls, capturedCall{URL: rawURL, Query: query, Body: body.(map[string]string), Timeout: timeout})
	n := len(f.calls)
	f.mu.Unlock()
	return f.respond(n)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResponse(int) (*transport.Result, *transport.Error) {
	return &transport.Result{StatusCode: 200, Body: []byte(`{"status":"ok"}`), Latency: 25 * time.Millisecond}, nil
}

func timeoutResponse(int) (*transport.Result, *transport.Error) {
	return nil, &transport.Error{Kind: transport.KindTimeout, Err: context.DeadlineExceeded}
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestEngine builds an engine on a real sqlite store, a scripted
// transport, and a controllable clock.
func newTestEngine(t *testing.T, cfg Config, client transport.Client, configs ...carrier.Config) (*Engine, storage.Store, *time.Time) {
	t.Helper()
	st := openStore(t)
	reg := carrier.NewRegistry(logx.Nop(), configs...)
	e := NewEngine(cfg, reg, st, client, nil, logx.Nop())

	// Millisecond precision so stored timestamps round-trip exactly.
	cur := time.Now().Truncate(time.Millisecond)
	clock := &cur
	e.now = func() time.Time { return *clock }
	e.exec.now = e.now
	return e, st, clock
}

// fastCarrier keeps throttling out of the way in tests.
func fastCarrier(name string, priority int, enabled bool) carrier.Config {
	return carrier.Config{
		Name: name, URL: "http://" + name, Account: "acct", Secret: "sec", SenderID: "teddy",
		Priority: priority, MaxPerMinute: 60000, MaxRetries: 5, Timeout: time.Second, Enabled: enabled,
	}
}

func TestProcessQueueDeliversAndRecords(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true},
		client,
		fastCarrier("principal", 1, true),
	)
	ctx := context.Background()

	item, err := st.Enqueue(ctx, storage.QueueItem{
		Number:   "3011234567",
		Template: "Hola {nombre}",
		RowData:  map[string]any{"nombre": "Ana"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := e.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed %d items, want 1", n)
	}

	got, _ := st.GetItem(ctx, item.ID)
	if got.State != storage.StateDelivered {
		t.Fatalf("state = %q, want delivered", got.State)
	}
	if got.Attempts != 1 || got.Carrier != "principal" {
		t.Fatalf("unexpected item after delivery: %+v", got)
	}

	if client.callCount() != 1 {
		t.Fatalf("expected 1 transport call, got %d", client.callCount())
	}
	call := client.calls[0]
	if call.Body["content"] != "Hola Ana" {
		t.Fatalf("rendered content = %q", call.Body["content"])
	}
	if call.Body["numbers"] != "573011234567" {
		t.Fatalf("numbers = %q", call.Body["numbers"])
	}
	if call.Body["senderid"] != "teddy" {
		t.Fatalf("senderid = %q", call.Body["senderid"])
	}
	if call.Query.Get("account") != "acct" || call.Query.Get("sign") == "" || call.Query.Get("datetime") == "" {
		t.Fatalf("auth query incomplete: %v", call.Query)
	}
	if call.Timeout != time.Second {
		t.Fatalf("per-carrier timeout not forwarded: %v", call.Timeout)
	}
}

func TestRetryFlowBackoffThenExhaustion(t *testing.T) {
	client := &fakeClient{respond: timeoutResponse}
	e, st, clock := newTestEngine(t,
		Config{
			RetriesEnabled: true,
			MultiCarrier:   true,
			Backoff:        []time.Duration{time.Second, 5 * time.Second},
		},
		client,
		carrier.Config{
			Name: "principal", URL: "http://p", Priority: 1,
			MaxPerMinute: 60000, MaxRetries: 2, Timeout: time.Second, Enabled: true,
		},
	)
	ctx := context.Background()
	t0 := *clock

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3011234567", Template: "hola"})

	// Attempt 1: pending -> reintentando, next retry in 1s.
	if _, err := e.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	got, _ := st.GetItem(ctx, item.ID)
	if got.State != storage.StateRetrying || got.Attempts != 1 {
		t.Fatalf("after attempt 1: %+v", got)
	}
	if want := t0.Add(time.Second); !got.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v", got.NextRetryAt, want)
	}

	// Too early: the backoff deadline gates the claim.
	if n, _ := e.RetryFailed(ctx); n != 0 {
		t.Fatalf("retry admitted before the scheduled delay")
	}

	// Attempt 2 at t0+1s: still retrying, now with the 5s delay.
	*clock = t0.Add(time.Second)
	if n, _ := e.RetryFailed(ctx); n != 1 {
		t.Fatalf("retry not admitted at the deadline")
	}
	got, _ = st.GetItem(ctx, item.ID)
	if got.State != storage.StateRetrying || got.Attempts != 2 {
		t.Fatalf("after attempt 2: %+v", got)
	}
	if want := t0.Add(time.Second + 5*time.Second); !got.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v", got.NextRetryAt, want)
	}

	// Attempt 3: retry budget (2) exhausted, terminal failure.
	*clock = t0.Add(7 * time.Second)
	if n, _ := e.RetryFailed(ctx); n != 1 {
		t.Fatalf("final retry not admitted")
	}
	got, _ = st.GetItem(ctx, item.ID)
	if got.State != storage.StateFailed || got.Attempts != 3 {
		t.Fatalf("after attempt 3: %+v", got)
	}

	// Terminal items never come back.
	*clock = t0.Add(time.Hour)
	if n, _ := e.RetryFailed(ctx); n != 0 {
		t.Fatalf("failed item was retried again")
	}
	if client.callCount() != 3 {
		t.Fatalf("expected exactly 3 transport calls, got %d", client.callCount())
	}
}

func TestFailoverRotatesCarriers(t *testing.T) {
	client := &fakeClient{respond: timeoutResponse}
	e, st, clock := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true, Backoff: []time.Duration{time.Millisecond}},
		client,
		fastCarrier("alfa", 1, true),
		fastCarrier("beta", 2, true),
	)
	ctx := context.Background()

	// Prefix 399 detects nothing, so selection is pure rotation.
	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3991234567", Template: "hola"})

	_, _ = e.ProcessQueue(ctx)
	got, _ := st.GetItem(ctx, item.ID)
	if got.Carrier != "alfa" {
		t.Fatalf("attempt 0 used %q, want highest-priority alfa", got.Carrier)
	}

	*clock = clock.Add(time.Second)
	_, _ = e.RetryFailed(ctx)
	got, _ = st.GetItem(ctx, item.ID)
	if got.Carrier != "beta" {
		t.Fatalf("attempt 1 used %q, want rotation to beta", got.Carrier)
	}

	*clock = clock.Add(time.Second)
	_, _ = e.RetryFailed(ctx)
	got, _ = st.GetItem(ctx, item.ID)
	if got.Carrier != "alfa" {
		t.Fatalf("attempt 2 used %q, want wrap back to alfa", got.Carrier)
	}
}

func TestFirstAttemptPrefersDetectedCarrier(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true},
		client,
		fastCarrier("principal", 1, true),
		fastCarrier("claro", 5, true),
	)
	ctx := context.Background()

	// 301 is a claro prefix; detection beats priority on attempt 0.
	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3011234567", Template: "hola"})
	_, _ = e.ProcessQueue(ctx)

	got, _ := st.GetItem(ctx, item.ID)
	if got.Carrier != "claro" {
		t.Fatalf("detected carrier ignored, used %q", got.Carrier)
	}
}

func TestEmptyMessageIsTerminalWithoutNetworkCall(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true},
		client,
		fastCarrier("principal", 1, true),
	)
	ctx := context.Background()

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3011234567", Template: "{falta}", RowData: map[string]any{"falta": ""}})
	_, _ = e.ProcessQueue(ctx)

	got, _ := st.GetItem(ctx, item.ID)
	if got.State != storage.StateFailed {
		t.Fatalf("validation failure not terminal: %q", got.State)
	}
	if client.callCount() != 0 {
		t.Fatalf("network call made for empty message")
	}
}

func TestNoEnabledCarriersFallsBackToDefault(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true},
		client,
		fastCarrier("principal", 1, false),
	)
	ctx := context.Background()

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3991234567", Template: "hola"})
	n, err := e.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue must not fail the batch: %v", err)
	}
	if n != 1 {
		t.Fatalf("item not dispatched through the default fallback")
	}
	got, _ := st.GetItem(ctx, item.ID)
	if got.Carrier != "principal" || got.State != storage.StateDelivered {
		t.Fatalf("fallback not applied: %+v", got)
	}
}

func TestItemReleasedWhenNoCarrierAtAll(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true},
		client,
		fastCarrier("alfa", 1, false), // no "principal" registered
	)
	ctx := context.Background()

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3991234567", Template: "hola"})
	if _, err := e.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	got, _ := st.GetItem(ctx, item.ID)
	if got.State != storage.StatePending || got.Attempts != 0 {
		t.Fatalf("unsendable item not released: %+v", got)
	}
	if client.callCount() != 0 {
		t.Fatalf("transport called with no usable carrier")
	}
}

func TestMultiCarrierDisabledAlwaysUsesDefault(t *testing.T) {
	client := &fakeClient{respond: okResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: false},
		client,
		fastCarrier("principal", 9, true),
		fastCarrier("claro", 1, true),
	)
	ctx := context.Background()

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3011234567", Template: "hola"})
	_, _ = e.ProcessQueue(ctx)

	got, _ := st.GetItem(ctx, item.ID)
	if got.Carrier != "principal" {
		t.Fatalf("single-carrier mode used %q", got.Carrier)
	}
}

func TestRetriesDisabledFailsImmediately(t *testing.T) {
	client := &fakeClient{respond: timeoutResponse}
	e, st, _ := newTestEngine(t,
		Config{RetriesEnabled: false, MultiCarrier: true},
		client,
		fastCarrier("principal", 1, true),
	)
	ctx := context.Background()

	item, _ := st.Enqueue(ctx, storage.QueueItem{Number: "3011234567", Template: "hola"})
	_, _ = e.ProcessQueue(ctx)

	got, _ := st.GetItem(ctx, item.ID)
	if got.State != storage.StateFailed || got.Attempts != 1 {
		t.Fatalf("retries-disabled item not terminal: %+v", got)
	}
}

func TestStatsJoinConfigAndAggregates(t *testing.T) {
	client := &fakeClient{respond: timeoutResponse}
	e, st, clock := newTestEngine(t,
		Config{RetriesEnabled: true, MultiCarrier: true, Backoff: []time.Duration{time.Millisecond}},
		client,
		fastCarrier("principal", 1, true),
	)
	ctx := context.Background()

	_, _ = st.Enqueue(ctx, storage.QueueItem{Number: "3991234567", Template: "hola"})
	_, _ = e.ProcessQueue(ctx)
	*clock = clock.Add(time.Second)
	_, _ = e.RetryFailed(ctx)

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 carrier, got %d", len(stats))
	}
	s := stats[0]
	if s.Stats.TotalSent != 2 || s.Stats.TotalFailed != 2 {
		t.Fatalf("unexpected aggregates: %+v", s.Stats)
	}
	if s.Health != "critical" {
		t.Fatalf("all-failing carrier health = %q", s.Health)
	}
}
