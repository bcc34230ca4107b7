package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/prediction_layer/internal/app"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/middleware"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, logger.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	err = application.Catalog.Seed(context.Background(), []catalog.Item{
		{ID: "rf", Name: "Random Forest", Price: decimal.NewFromInt(10), ModelType: "random_forest"},
		{ID: "prophet", Name: "Prophet", Price: decimal.NewFromInt(20), ModelType: "prophet"},
	})
	if err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return &testServer{t: t, handler: NewHandler(application, limiter, logger.Discard())}
}

func (s *testServer) do(method, path, owner string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func predictBody(model string, period int) map[string]any {
	return map[string]any{
		"model_id":   model,
		"input_data": map[string]any{"coin": "btc", "period": period, "current_price": 50000},
	}
}

func TestSubmitLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(http.MethodPost, "/predict", "alice", predictBody("rf", 7))
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 with empty balance, got %d: %s", resp.Code, resp.Body)
	}
	rejection := decode[map[string]any](t, resp)
	if rejection["reason"] != "insufficient_funds" || rejection["required"] != "10" || rejection["available"] != "0" {
		t.Fatalf("unexpected rejection body: %v", rejection)
	}

	resp = srv.do(http.MethodPost, "/billing/top-up", "alice", map[string]any{"amount": 50})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 top-up, got %d: %s", resp.Code, resp.Body)
	}

	resp = srv.do(http.MethodPost, "/predict", "alice", predictBody("rf", 7))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
	}
	job := decode[map[string]any](t, resp)
	id, _ := job["id"].(string)
	if id == "" || job["status"] != "queued" || job["catalog_item_id"] != "rf" {
		t.Fatalf("unexpected job: %v", job)
	}

	resp = srv.do(http.MethodGet, "/predict/"+id, "alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 get, got %d", resp.Code)
	}
	resp = srv.do(http.MethodGet, "/predict/"+id, "mallory", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("foreign owner should see 404, got %d", resp.Code)
	}

	resp = srv.do(http.MethodGet, "/predict/history", "alice", nil)
	if history := decode[[]map[string]any](t, resp); len(history) != 1 {
		t.Fatalf("history = %v", history)
	}

	resp = srv.do(http.MethodGet, "/billing/balance", "alice", nil)
	if balance := decode[map[string]any](t, resp); balance["balance"] != "40" {
		t.Fatalf("balance = %v", balance)
	}

	resp = srv.do(http.MethodGet, "/billing/transactions", "alice", nil)
	entries := decode[[]map[string]any](t, resp)
	if len(entries) != 2 {
		t.Fatalf("transactions = %v", entries)
	}
}

func TestSubmitRejections(t *testing.T) {
	srv := newTestServer(t, nil)
	if resp := srv.do(http.MethodPost, "/billing/top-up", "bob", map[string]any{"amount": 100}); resp.Code != http.StatusOK {
		t.Fatalf("top-up: %d", resp.Code)
	}

	cases := []struct {
		name string
		body any
		want int
	}{
		{"unknown model", predictBody("nope", 7), http.StatusNotFound},
		{"bad period", predictBody("rf", 0), http.StatusBadRequest},
		{"unknown field", map[string]any{"model_id": "rf", "extra": true}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if resp := srv.do(http.MethodPost, "/predict", "bob", tc.body); resp.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, resp.Code, resp.Body)
			}
		})
	}

	if resp := srv.do(http.MethodGet, "/billing/balance", "bob", nil); decode[map[string]any](t, resp)["balance"] != "100" {
		t.Fatalf("rejections must not debit: %s", resp.Body)
	}
}

func TestOwnerRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/predict/history", "/billing/balance", "/billing/transactions"} {
		if resp := srv.do(http.MethodGet, path, "", nil); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.Code)
		}
	}
	if resp := srv.do(http.MethodPost, "/billing/top-up", "carol", map[string]any{"amount": -5}); resp.Code != http.StatusBadRequest {
		t.Fatalf("negative top-up: expected 400, got %d", resp.Code)
	}
}

func TestModelsAndOps(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(http.MethodGet, "/models", "", nil)
	if models := decode[[]map[string]any](t, resp); len(models) != 2 {
		t.Fatalf("models = %v", models)
	}
	resp = srv.do(http.MethodGet, "/models/prophet", "", nil)
	if model := decode[map[string]any](t, resp); model["price"] != "20" {
		t.Fatalf("model = %v", model)
	}
	if resp := srv.do(http.MethodGet, "/models/missing", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := srv.do(http.MethodGet, "/healthz", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("healthz: %d", resp.Code)
	}
	if resp := srv.do(http.MethodGet, "/metrics", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("metrics: %d", resp.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	srv := newTestServer(t, middleware.NewRateLimiter(0.001, 1, logger.Discard()))
	srv.do(http.MethodPost, "/billing/top-up", "dave", map[string]any{"amount": 100})

	if resp := srv.do(http.MethodPost, "/predict", "dave", predictBody("rf", 3)); resp.Code != http.StatusCreated {
		t.Fatalf("first submit: %d", resp.Code)
	}
	if resp := srv.do(http.MethodPost, "/predict", "dave", predictBody("rf", 3)); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: expected 429, got %d", resp.Code)
	}
	if resp := srv.do(http.MethodGet, "/predict/history", "dave", nil); resp.Code != http.StatusOK {
		t.Fatalf("history is not rate limited: %d", resp.Code)
	}
}
