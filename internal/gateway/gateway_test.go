package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/psbcast/internal/node"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/replica"
	"github.com/danmuck/psbcast/internal/testutil/testlog"
)

type fakeNode struct {
	ready  bool
	err    error
	block  bool
	got    []node.SubmitRequest
	status replica.Status
}

func (f *fakeNode) NodeID() string { return "0" }

func (f *fakeNode) Kind() string { return "replica" }

func (f *fakeNode) Submit(ctx context.Context, req node.SubmitRequest) (node.Result, error) {
	f.got = append(f.got, req)
	if f.block {
		<-ctx.Done()
		return node.Result{}, fmt.Errorf("%w: %v", node.ErrSubmitTimeout, ctx.Err())
	}
	if f.err != nil {
		return node.Result{}, f.err
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = 1
	}
	return node.Result{ClientID: req.ClientID, Timestamp: ts, Update: req.Update, Seq: 5, View: 2}, nil
}

func (f *fakeNode) Snapshot() node.Snapshot {
	return node.Snapshot{Node: "0", Running: true, Replica: f.status}
}

func (f *fakeNode) Ready() bool { return f.ready }

func newTestGateway(t *testing.T, n *fakeNode) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.SubmitTimeout = 20 * time.Millisecond
	return New(n, cfg).Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPostUpdateReturnsOrderedPosition(t *testing.T) {
	testlog.Start(t)
	n := &fakeNode{ready: true}
	h := newTestGateway(t, n)

	w := do(h, http.MethodPost, "/updates", `{"client_id":7,"update":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["client_id"] != float64(7) || body["timestamp"] != float64(1) || body["seq"] != float64(5) {
		t.Fatalf("body=%v", body)
	}
	if id, _ := body["request_id"].(string); id == "" || id != w.Header().Get(observability.RequestIDHeader) {
		t.Fatalf("request id body=%v header=%q", body["request_id"], w.Header().Get(observability.RequestIDHeader))
	}
	if len(n.got) != 1 || n.got[0] != (node.SubmitRequest{ClientID: 7, Update: 42}) {
		t.Fatalf("submitted %+v", n.got)
	}
}

func TestPostUpdateValidation(t *testing.T) {
	testlog.Start(t)
	n := &fakeNode{ready: true}
	h := newTestGateway(t, n)
	for _, body := range []string{`{"update":1}`, `{"client_id":1}`, `not json`} {
		if w := do(h, http.MethodPost, "/updates", body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d", body, w.Code)
		}
	}
	if len(n.got) != 0 {
		t.Fatalf("invalid bodies reached the node: %+v", n.got)
	}
	if w := do(h, http.MethodPost, "/updates", `{"client_id":0,"update":0,"timestamp":4}`); w.Code != http.StatusOK {
		t.Fatalf("zero ids rejected: status=%d", w.Code)
	}
}

func TestPostUpdateErrorStatus(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		node *fakeNode
		want int
	}{
		{"timeout", &fakeNode{block: true}, http.StatusGatewayTimeout},
		{"stale", &fakeNode{err: fmt.Errorf("%w: ts=1", node.ErrStaleTimestamp)}, http.StatusConflict},
		{"stopped", &fakeNode{err: node.ErrStopped}, http.StatusServiceUnavailable},
		{"other", &fakeNode{err: fmt.Errorf("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(newTestGateway(t, tc.node), http.MethodPost, "/updates", `{"client_id":1,"update":2}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestReadyFollowsNode(t *testing.T) {
	testlog.Start(t)
	n := &fakeNode{status: replica.Status{State: replica.LeaderElection.String()}}
	h := newTestGateway(t, n)
	if w := do(h, http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status=%d", w.Code)
	}
	n.ready = true
	n.status.State = replica.RegLeader.String()
	w := do(h, http.MethodGet, "/ready", "")
	if w.Code != http.StatusOK || decode(t, w)["state"] != replica.RegLeader.String() {
		t.Fatalf("ready status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestStatusHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	n := &fakeNode{ready: true, status: replica.Status{ID: 0, N: 3, LastInstalled: 4, LocalAru: 9}}
	h := newTestGateway(t, n)

	w := do(h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code=%d", w.Code)
	}
	var snap node.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Replica.LastInstalled != 4 || snap.Replica.LocalAru != 9 || !snap.Running {
		t.Fatalf("snapshot %+v", snap)
	}

	if w := do(h, http.MethodGet, "/health", ""); w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Fatalf("health code=%d body=%s", w.Code, w.Body.String())
	}
	w = do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "psb_http_requests_total") {
		t.Fatalf("metrics code=%d missing request counter", w.Code)
	}
}

func TestPostUpdateRequiresToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	n := &fakeNode{ready: true}
	cfg := DefaultConfig()
	cfg.SubmitToken = "s3cret"
	h := New(n, cfg).Handler()

	if w := do(h, http.MethodPost, "/updates", `{"client_id":1,"update":2}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/updates", strings.NewReader(`{"client_id":1,"update":2}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with token status=%d body=%s", w.Code, w.Body.String())
	}
	if len(n.got) != 1 {
		t.Fatalf("submitted %d requests want 1", len(n.got))
	}
	if w := do(h, http.MethodGet, "/status", ""); w.Code != http.StatusOK {
		t.Fatalf("status route needs no token: %d", w.Code)
	}
}
