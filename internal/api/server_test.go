package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"smsdispatch/internal/carrier"
	"smsdispatch/internal/dispatch"
	"smsdispatch/internal/storage"
	"smsdispatch/pkg/logx"
)

func newTestServer(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := carrier.NewRegistry(logx.Nop(),
		carrier.Config{Name: "principal", URL: "http://p", Priority: 1, Enabled: true},
		carrier.Config{Name: "backup1", URL: "http://b", Priority: 2, Enabled: false},
	)
	engine := dispatch.NewEngine(dispatch.Config{}, reg, st, nil, nil, logx.Nop())

	srv := NewServer(Config{}, engine, st, nil, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListCarriersOmitsSecrets(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/carriers")
	if err != nil {
		t.Fatalf("GET /carriers: %v", err)
	}
	list := decode[[]map[string]any](t, resp)
	if len(list) != 2 {
		t.Fatalf("expected 2 carriers, got %d", len(list))
	}
	for _, c := range list {
		if _, leaked := c["secret"]; leaked {
			t.Fatalf("carrier secret leaked: %v", c)
		}
		if _, leaked := c["account"]; leaked {
			t.Fatalf("carrier account leaked: %v", c)
		}
	}
}

func TestEnableCarrier(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/carriers/backup1/enable", map[string]bool{"enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/carriers/ghost/enable", map[string]bool{"enabled": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown carrier: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAddCarrier(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/carriers", map[string]any{
		"name": "wom", "url": "http://wom.example/send", "account": "a", "secret": "s",
		"sender_id": "x", "priority": 4, "timeout": "5s", "enabled": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/carriers", map[string]any{"url": "http://nameless"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless carrier: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEnqueueAndFetchMessage(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/messages", map[string]any{
		"number":   "3011234567",
		"template": "Hola {nombre}",
		"row_data": map[string]any{"nombre": "Ana"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	accepted := decode[map[string]string](t, resp)
	if accepted["id"] == "" || accepted["state"] != "pending" {
		t.Fatalf("enqueue response: %v", accepted)
	}

	// Round-trips through the store.
	if _, err := st.GetItem(context.Background(), accepted["id"]); err != nil {
		t.Fatalf("enqueued item not persisted: %v", err)
	}

	resp2, err := http.Get(ts.URL + "/messages/" + accepted["id"])
	if err != nil {
		t.Fatalf("GET message: %v", err)
	}
	msg := decode[map[string]any](t, resp2)
	if msg["state"] != "pending" || msg["number"] != "3011234567" {
		t.Fatalf("message response: %v", msg)
	}

	resp3, _ := http.Get(ts.URL + "/messages/desconocido")
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("missing message: status = %d", resp3.StatusCode)
	}
	resp3.Body.Close()

	respBad := postJSON(t, ts.URL+"/messages", map[string]any{"template": "hola"})
	if respBad.StatusCode != http.StatusBadRequest {
		t.Fatalf("numberless message: status = %d", respBad.StatusCode)
	}
	respBad.Body.Close()
}

func TestCarrierStatsEndpoint(t *testing.T) {
	ts, st := newTestServer(t)

	item, _ := st.Enqueue(context.Background(), storage.QueueItem{Number: "300", Template: "a"})
	_ = st.RecordAttempt(context.Background(), storage.Attempt{ItemID: item.ID, Carrier: "principal", Success: true})

	resp, err := http.Get(ts.URL + "/carriers/principal/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	stats := decode[storage.CarrierStats](t, resp)
	if stats.TotalSent != 1 || stats.TotalDelivered != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	resp2, _ := http.Get(ts.URL + "/carriers/ghost/stats")
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown carrier stats: status = %d", resp2.StatusCode)
	}
	resp2.Body.Close()
}
