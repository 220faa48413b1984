package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository/memory"
	"github.com/splax/buildflow/internal/storage"
	"github.com/splax/buildflow/internal/ws"
)

type fakeDeploy struct {
	mu          sync.Mutex
	store       *memory.Store
	createErr   error
	files       []string
	lastRef     string
	createCalls int
}

func (f *fakeDeploy) CreateDeployment(_ context.Context, sourceRef string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastRef = sourceRef
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("dep-%d", f.createCalls)
	_ = f.store.SetStatus(context.Background(), id, domain.StatusUploaded)
	return &domain.Deployment{ID: id, SourceRef: sourceRef, Status: domain.StatusUploaded, Files: f.files}, nil
}

func (f *fakeDeploy) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	return f.store.GetStatus(ctx, id)
}

func (f *fakeDeploy) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return f.store.GetDeployment(ctx, id)
}

type routerFixture struct {
	router  *Router
	deploy  *fakeDeploy
	store   *memory.Store
	objects *storage.DirStore
	hub     *ws.Hub
}

func newRouterFixture(t *testing.T, mutate func(*Options)) routerFixture {
	t.Helper()
	store := memory.NewStore()
	objects, err := storage.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	deploy := &fakeDeploy{store: store, files: []string{"index.html", "css/style.css"}}
	opts := Options{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Deploy:        deploy,
		Hub:           hub,
		Objects:       objects,
		ServingDomain: "apps.test",
		Registry:      prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return routerFixture{router: NewRouter(opts), deploy: deploy, store: store, objects: objects, hub: hub}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestDeployReturnsIDAndManifest(t *testing.T) {
	f := newRouterFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{"sourceRef":"https://example.com/repo.git"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] != "dep-1" {
		t.Fatalf("unexpected id: %v", body["id"])
	}
	files, ok := body["files"].([]any)
	if !ok || len(files) != 2 || files[0] != "index.html" || files[1] != "css/style.css" {
		t.Fatalf("unexpected files: %v", body["files"])
	}
}

func TestDeployAcceptsRepoURLField(t *testing.T) {
	f := newRouterFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{"repoUrl":" https://example.com/legacy.git "}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.deploy.lastRef != "https://example.com/legacy.git" {
		t.Fatalf("unexpected source ref %q", f.deploy.lastRef)
	}
}

func TestDeployErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
		kind string
	}{
		{"invalid json", `{"sourceRef":`, nil, http.StatusBadRequest, ""},
		{"invalid ref", `{"sourceRef":"not-a-url"}`, fmt.Errorf("%w: unsupported scheme", domain.ErrInvalidSourceRef), http.StatusBadRequest, "invalid"},
		{"fetch", `{"sourceRef":"https://example.com/missing.git"}`, fmt.Errorf("%w: not found", domain.ErrFetch), http.StatusInternalServerError, "fetch_error"},
		{"storage", `{"sourceRef":"https://example.com/repo.git"}`, fmt.Errorf("%w: bucket", domain.ErrStorage), http.StatusInternalServerError, "storage_error"},
		{"queue", `{"sourceRef":"https://example.com/repo.git"}`, fmt.Errorf("%w: refused", domain.ErrQueue), http.StatusInternalServerError, "queue_error"},
		{"unclassified", `{"sourceRef":"https://example.com/repo.git"}`, errors.New("boom"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newRouterFixture(t, nil)
			f.deploy.createErr = tc.err
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(tc.body)))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			body := decodeBody(t, rec)
			if msg, _ := body["message"].(string); msg == "" {
				t.Fatalf("expected message in body, got %s", rec.Body.String())
			}
			if kind, _ := body["code"].(string); kind != tc.kind {
				t.Fatalf("expected code %q, got %q", tc.kind, kind)
			}
		})
	}
}

func TestDeployRejectsWrongMethod(t *testing.T) {
	f := newRouterFixture(t, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deploy", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusReportsStoredValueOrNull(t *testing.T) {
	f := newRouterFixture(t, nil)
	_ = f.store.SetStatus(context.Background(), "dep-7", domain.StatusDeployed)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?id=dep-7", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "deployed" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?id=unknown", nil))
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown id, got %d", rec.Code)
	}
	if status, present := body["status"]; !present || status != nil {
		t.Fatalf("expected null status, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}
}

func TestDeploymentLookup(t *testing.T) {
	f := newRouterFixture(t, nil)
	_ = f.store.SaveDeployment(context.Background(), &domain.Deployment{ID: "dep-3", SourceRef: "https://example.com/r.git", Files: []string{"index.html"}})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/dep-3", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["sourceRef"] != "https://example.com/r.git" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzReportsDegradedComponent(t *testing.T) {
	f := newRouterFixture(t, func(o *Options) {
		o.HealthChecks = map[string]HealthCheck{
			"status_store": func(context.Context) error { return nil },
			"queue":        func(context.Context) error { return errors.New("dial tcp: refused") },
		}
	})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	components := body["components"].(map[string]any)
	if components["queue"].(map[string]any)["status"] != "down" {
		t.Fatalf("expected queue down, got %v", components)
	}
}

func TestMetricsEndpointExposesDeployOutcomes(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{"sourceRef":"https://example.com/repo.git"}`)))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `buildflow_upload_deploy_results_total{outcome="success"} 1`) {
		t.Fatalf("expected deploy outcome metric, got:\n%s", rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newRouterFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/deploy", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestServesDeployedArtifactByHost(t *testing.T) {
	f := newRouterFixture(t, nil)
	ctx := context.Background()
	for key, body := range map[string]string{
		"dep-5/index.html":    "<h1>home</h1>",
		"dep-5/css/style.css": "body{}",
	} {
		_ = f.objects.Put(ctx, key, strings.NewReader(body), int64(len(body)), "")
	}
	_ = f.store.SetStatus(ctx, "dep-5", domain.StatusUploaded)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "dep-5.apps.test:3000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before deployment finished, got %d", rec.Code)
	}

	_ = f.store.SetStatus(ctx, "dep-5", domain.StatusDeployed)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "<h1>home</h1>" {
		t.Fatalf("unexpected index response %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/css/style.css", nil)
	req.Host = "dep-5.apps.test"
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/css") {
		t.Fatalf("unexpected stylesheet response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	req = httptest.NewRequest(http.MethodGet, "/missing.js", nil)
	req.Host = "dep-5.apps.test"
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing object, got %d", rec.Code)
	}
}

func TestUnknownServingHostFallsThroughToAPI(t *testing.T) {
	f := newRouterFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/status?id=x", nil)
	req.Host = "api.apps.test"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected API route to answer, got %d", rec.Code)
	}
}

func TestStatusStreamSendsSnapshotThenChanges(t *testing.T) {
	f := newRouterFixture(t, nil)
	_ = f.store.SetStatus(context.Background(), "dep-8", domain.StatusUploaded)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream?id=dep-8", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSEData(t, reader)
	if first != `{"id":"dep-8","status":"uploaded"}` {
		t.Fatalf("unexpected snapshot %q", first)
	}

	waitForSubscribers(t, f.hub, "dep-8")
	f.hub.Broadcast("dep-8", []byte(`{"id":"dep-8","status":"deployed"}`))
	if next := readSSEData(t, reader); next != `{"id":"dep-8","status":"deployed"}` {
		t.Fatalf("unexpected change %q", next)
	}
}

func TestStatusWebSocketSendsSnapshotThenChanges(t *testing.T) {
	f := newRouterFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status?id=dep-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(first) != `{"id":"dep-9","status":null}` {
		t.Fatalf("unexpected snapshot %s", first)
	}

	f.hub.Broadcast("dep-9", []byte(`{"id":"dep-9","status":"uploaded"}`))
	_, next, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read change: %v", err)
	}
	if string(next) != `{"id":"dep-9","status":"uploaded"}` {
		t.Fatalf("unexpected change %s", next)
	}
}

func TestServerShutdownEndsOpenStatusStreams(t *testing.T) {
	f := newRouterFixture(t, nil)
	_ = f.store.SetStatus(context.Background(), "dep-10", domain.StatusUploaded)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := f.router.Server(ln.Addr().String())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status/stream?id=dep-10")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	readSSEData(t, bufio.NewReader(resp.Body))
	waitForSubscribers(t, f.hub, "dep-10")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("expected shutdown to finish before the deadline, got %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("unexpected serve result: %v", err)
	}
}

func readSSEData(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func waitForSubscribers(t *testing.T, hub *ws.Hub, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for hub.Subscribers(id) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no subscriber registered for %s", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
