package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Auth.JWTSecret = testJWTSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), engine.InitProjectOptions{
		ProjectID: "proj-1",
		Name:      "Apollo",
		OrgID:     "org-1",
		UserID:    "user-1",
		UserEmail: "dev@example.com",
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := signDevToken(testJWTSecret, userID, "org-1")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "user-1",
		"org_id":  "org-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s (%v)", string(data), err)
	}
	meRes, meData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meData))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(meData, &who)
	if who.UserID != "user-1" || who.Role != domain.RoleAdmin {
		t.Fatalf("unexpected whoami %+v", who)
	}
}

func TestTaskLifecycleWithAutomation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "user-1")
	base := srv.URL + "/v0/projects/proj-1"

	// Wire workflow -> rule -> template through the admin API.
	res, data := doJSON(t, client, http.MethodPost, base+"/workflows", map[string]any{"name": "qa"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(data, &wf)

	res, data = doJSON(t, client, http.MethodPost, base+"/workflows/"+wf.ID+"/rules", map[string]any{
		"name":          "verify completion",
		"resource_type": "task",
		"to_state":      "completed",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}
	var rule RuleResponse
	_ = json.Unmarshal(data, &rule)

	res, data = doJSON(t, client, http.MethodPost, base+"/templates", map[string]any{
		"title": "Verify {{father}}",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tpl TemplateResponse
	_ = json.Unmarshal(data, &tpl)

	res, data = doJSON(t, client, http.MethodPost, base+"/rules/"+rule.ID+"/templates", map[string]any{
		"template_id":     tpl.ID,
		"execution_order": 0,
	}, headers)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("attach template: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"title": "Ship feature",
		"type":  "feature",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskMutationResponse
	_ = json.Unmarshal(data, &created)
	taskID := created.Task.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/state", map[string]any{"state": "claimed"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/"+taskID+"/state", map[string]any{"state": "completed"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var mutated TaskMutationResponse
	if err := json.Unmarshal(data, &mutated); err != nil {
		t.Fatalf("unmarshal mutation: %v", err)
	}
	if mutated.Task.State != "completed" {
		t.Fatalf("expected completed, got %s", mutated.Task.State)
	}
	if len(mutated.Automation) != 1 || mutated.Automation[0].Outcome != "applied" || mutated.Automation[0].CreatedTasks != 1 {
		t.Fatalf("expected applied automation, got %+v", mutated.Automation)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/automation/executions", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions: %d %s", res.StatusCode, string(data))
	}
	var execs paginatedExecutions
	_ = json.Unmarshal(data, &execs)
	if len(execs.Items) != 1 || execs.Items[0].Outcome != "applied" {
		t.Fatalf("expected one applied ledger row, got %+v", execs.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/automation/metrics", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}
	var metrics MetricsResponse
	_ = json.Unmarshal(data, &metrics)
	if metrics.Applied != 1 || metrics.Evaluated != 1 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "user-1")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Jump the queue"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskMutationResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/"+created.Task.ID+"/state", map[string]any{"state": "completed"}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkflowAdminRequiresAdminRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ctx := context.Background()
	tx, err := srv.Engine.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := "2024-01-01T00:00:00Z"
	if err := srv.Engine.Repo.EnsureUser(ctx, tx, domain.User{ID: "user-2", OrgID: "org-1", Email: "viewer@example.com", CreatedAt: now}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := srv.Engine.Repo.AssignMembership(ctx, tx, "org-1", "user-2", domain.RoleMember, now); err != nil {
		t.Fatalf("assign membership: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	headers := authHeaders(t, "user-2")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/workflows", map[string]any{"name": "nope"}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// Members can still create tasks.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{"title": "Allowed"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("member create task: %d %s", res.StatusCode, string(data))
	}
}

func TestCardBoardFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "user-1")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/cards", map[string]any{"title": "Checkout flow"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card: %d %s", res.StatusCode, string(data))
	}
	var created CardMutationResponse
	_ = json.Unmarshal(data, &created)
	if created.Card.State != "backlog" {
		t.Fatalf("expected backlog, got %s", created.Card.State)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cards/"+created.Card.ID+"/state", map[string]any{"state": "doing"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move card: %d %s", res.StatusCode, string(data))
	}
	var moved CardMutationResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Card.State != "doing" {
		t.Fatalf("expected doing, got %s", moved.Card.State)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/cards?state=doing", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list cards: %d %s", res.StatusCode, string(data))
	}
	var cards []CardResponse
	_ = json.Unmarshal(data, &cards)
	if len(cards) != 1 {
		t.Fatalf("expected one doing card, got %d", len(cards))
	}
}
