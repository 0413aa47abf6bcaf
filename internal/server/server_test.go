package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/migrate"
	"forgeline/internal/orchestrator"
	"forgeline/internal/repo"
)

type testServer struct {
	URL    string
	Orch   *orchestrator.Orchestrator
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("forgeline")
	ctx, cancel := context.WithCancel(context.Background())
	orch := orchestrator.New(ctx, conn, cfg)
	handler, err := New(Config{Orch: orch, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Orch:   orch,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			cancel()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createProject(t *testing.T, srv *testServer, name string) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": name,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return created
}

func waitForState(t *testing.T, srv *testServer, projectID, want string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+projectID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
		}
		var p ProjectResponse
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("unmarshal project: %v", err)
		}
		if p.State == want {
			return
		}
		if p.State == "failed" {
			t.Fatalf("project failed while waiting for %s", want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("project %s never reached state %s", projectID, want)
}

func TestWorkflowThroughAPI(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	project := createProject(t, srv, "demo")
	if project.State != "created" {
		t.Fatalf("expected state created, got %s", project.State)
	}

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/workflow/start", map[string]any{}, nil)
	if startRes.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow status %d: %s", startRes.StatusCode, string(startBody))
	}
	var run RunResponse
	if err := json.Unmarshal(startBody, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("expected running run, got %s", run.Status)
	}

	waitForState(t, srv, project.ID, "completed")

	statusRes, statusBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/status", nil, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var status StatusResponse
	if err := json.Unmarshal(statusBody, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Run == nil || status.Run.Status != "succeeded" {
		t.Fatalf("expected succeeded run in status: %s", string(statusBody))
	}
	if status.Metrics.DeliverablesComplete != status.Metrics.DeliverablesTotal {
		t.Fatalf("expected all deliverables complete: %+v", status.Metrics)
	}

	runRes, runBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/runs/"+run.ID, nil, nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", runRes.StatusCode, string(runBody))
	}
	var detail RunDetailResponse
	if err := json.Unmarshal(runBody, &detail); err != nil {
		t.Fatalf("unmarshal run detail: %v", err)
	}
	if len(detail.Outputs) != 7 {
		t.Fatalf("expected 7 step outputs, got %d", len(detail.Outputs))
	}
	if _, ok := detail.Outputs["deployment"]; !ok {
		t.Fatalf("missing deployment output: %s", string(runBody))
	}

	tasksRes, tasksBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/tasks?status=completed", nil, nil)
	if tasksRes.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", tasksRes.StatusCode, string(tasksBody))
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(tasksBody, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) == 0 {
		t.Fatalf("expected completed tasks, got none")
	}

	eventsRes, eventsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/events?type=workflow.succeeded", nil, nil)
	if eventsRes.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", eventsRes.StatusCode, string(eventsBody))
	}
	var events paginatedEvents
	if err := json.Unmarshal(eventsBody, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) == 0 {
		t.Fatalf("expected workflow.succeeded event")
	}
}

func TestAbandonedProjectCannotStart(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	client := srv.Client()

	project := createProject(t, srv, "doomed")
	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/projects/"+project.ID, nil, nil)
	if delRes.StatusCode != http.StatusNoContent && delRes.StatusCode != http.StatusOK {
		t.Fatalf("abandon status %d: %s", delRes.StatusCode, string(delBody))
	}

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/workflow/start", map[string]any{}, nil)
	if startRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", startRes.StatusCode, string(startBody))
	}
}

func TestErrorEnvelopeNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "unused"})
	client := srv.Client()

	rawKey := "fl-test-key"
	tx, err := srv.Orch.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	err = srv.Orch.Repo.InsertAPIKey(context.Background(), tx, domain.APIKey{
		ID:        "key-1",
		ActorID:   "machine",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "secret"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
