package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"
	"time"

	"hsetrack/internal/app"
	"hsetrack/internal/db"
	"hsetrack/internal/domain"
	"hsetrack/internal/engine"
	"hsetrack/internal/history"
	"hsetrack/internal/migrate"
	"hsetrack/internal/repo"
	"hsetrack/internal/summary"
	"hsetrack/internal/tracker"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Repo   repo.Repo
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if _, _, err := app.ResolveOrgAndConfig(ctx, workspace, "org-1", "admin-1", r); err != nil {
		t.Fatalf("bootstrap org: %v", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for actorID, role := range map[string]domain.Role{
		"emp-1":    domain.RoleEmployee,
		"sup-1":    domain.RoleSupervisor,
		"worker-1": domain.RoleEmployee,
	} {
		if err := r.EnsureActor(ctx, tx, actorID, "", now); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
		if err := r.AssignOrgRole(ctx, tx, "org-1", actorID, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	handler, err := New(Config{
		Engine:   engine.New(conn),
		Tracker:  tracker.New(conn),
		Summary:  summary.New(conn),
		History:  history.Log{DB: conn},
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
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
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func login(t *testing.T, srv *testServer, actorID string, role domain.Role) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"role":     string(role),
		"org_id":   "org-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body DevLoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func TestObservationLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)
	supervisor := login(t, srv, "sup-1", domain.RoleSupervisor)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
		"type":        "unsafe_condition",
		"category":    "electrical",
		"risk_level":  "high",
		"description": "exposed wiring near loading dock",
		"location":    "dock 3",
		"submit":      true,
	}, employee)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Observation
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal observation: %v", err)
	}
	if created.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want submitted", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/review", map[string]any{
		"action":          "approve",
		"expected_status": "submitted",
	}, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	due := time.Now().UTC().Add(14 * 24 * time.Hour).Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/action", map[string]any{
		"assignee_id":     "worker-1",
		"due_date":        due,
		"description":     "fit junction box cover",
		"expected_status": "approved",
	}, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assigned domain.Observation
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assigned: %v", err)
	}
	if assigned.Status != domain.StatusActionAssigned || assigned.Action == nil {
		t.Fatalf("assigned = %+v, want action_assigned with action", assigned)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/action/complete", map[string]any{
		"comment":         "cover fitted",
		"expected_status": "action_assigned",
	}, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var closed domain.Observation
	_ = json.Unmarshal(data, &closed)
	if closed.Status != domain.StatusClosed {
		t.Fatalf("status = %s, want closed", closed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations/"+created.ID+"/history", nil, employee)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var trail paginatedHistory
	if err := json.Unmarshal(data, &trail); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(trail.Items) != 4 {
		t.Fatalf("history entries = %d, want 4: %s", len(trail.Items), string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/observations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/observations", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}

func TestConflictAndInvalidTransitionCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)
	supervisor := login(t, srv, "sup-1", domain.RoleSupervisor)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
		"type":       "unsafe_act",
		"category":   "ppe",
		"risk_level": "low",
		"submit":     true,
	}, employee)
	var created domain.Observation
	_ = json.Unmarshal(data, &created)

	// stale expected status
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/review", map[string]any{
		"action":          "approve",
		"expected_status": "in_review",
	}, supervisor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/review", map[string]any{
		"action":          "reject",
		"comment":         "duplicate",
		"expected_status": "submitted",
	}, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(body))
	}

	// rejected is final
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/review", map[string]any{
		"action":          "approve",
		"expected_status": "rejected",
	}, supervisor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
}

func TestRoleForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
		"type":       "unsafe_act",
		"category":   "ppe",
		"risk_level": "low",
		"submit":     true,
	}, employee)
	var created domain.Observation
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+created.ID+"/review", map[string]any{
		"action":          "approve",
		"expected_status": "submitted",
	}, employee)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
}

func TestDraftPrivacy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)
	supervisor := login(t, srv, "sup-1", domain.RoleSupervisor)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
		"type":       "unsafe_act",
		"category":   "housekeeping",
		"risk_level": "low",
	}, employee)
	var draft domain.Observation
	_ = json.Unmarshal(data, &draft)
	if !draft.IsDraft {
		t.Fatalf("expected draft, got %+v", draft)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations/"+draft.ID, nil, supervisor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign draft, got %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations/"+draft.ID, nil, employee)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner read status %d, want 200", res.StatusCode)
	}

	// the history route must not reveal the draft either
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations/"+draft.ID+"/history", nil, supervisor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign draft history, got %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations/"+draft.ID+"/history", nil, employee)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner history status %d, want 200", res.StatusCode)
	}

	var listed paginatedObservations
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/observations", nil, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &listed)
	for _, o := range listed.Items {
		if o.ID == draft.ID {
			t.Fatalf("draft leaked into listing")
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	secret, _, err := MintAPIKey(context.Background(), srv.Repo, "sup-1", domain.RoleSupervisor, "org-1", "ci")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "sup-1" || me.Role != "supervisor" || me.OrgID != "org-1" {
		t.Fatalf("me = %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSummaryEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
			"type":       "unsafe_condition",
			"category":   "fire",
			"risk_level": "medium",
			"submit":     true,
		}, employee)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/summary", nil, employee)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var sum SummaryResponse
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.OrgID != "org-1" || sum.Counts["submitted"] != 2 {
		t.Fatalf("summary = %+v, want 2 submitted in org-1", sum)
	}
	if _, ok := sum.Counts["closed"]; !ok {
		t.Fatalf("summary counts not zero-filled: %+v", sum.Counts)
	}
}

func TestObservationListPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
			"type":       "unsafe_condition",
			"category":   "housekeeping",
			"risk_level": "low",
			"submit":     true,
		}, employee)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
		var o domain.Observation
		_ = json.Unmarshal(data, &o)
		want[o.ID] = true
	}

	// every record must appear exactly once across pages
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		url := srv.URL + "/v1/observations?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, employee)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedObservations
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, o := range page.Items {
			if seen[o.ID] {
				t.Fatalf("observation %s returned twice", o.ID)
			}
			seen[o.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != len(want) {
		t.Fatalf("paged sequence returned %d of %d observations", len(seen), len(want))
	}
}

func TestOpenActionsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	employee := login(t, srv, "emp-1", domain.RoleEmployee)
	supervisor := login(t, srv, "sup-1", domain.RoleSupervisor)

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations", map[string]any{
			"type":       "unsafe_condition",
			"category":   "machinery",
			"risk_level": "medium",
			"submit":     true,
		}, employee)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create status %d: %s", res.StatusCode, string(data))
		}
		var o domain.Observation
		_ = json.Unmarshal(data, &o)

		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+o.ID+"/review", map[string]any{
			"action":          "approve",
			"expected_status": "submitted",
		}, supervisor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
		}

		due := time.Now().UTC().Add(time.Duration(i+1) * 24 * time.Hour).Format(time.RFC3339)
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/observations/"+o.ID+"/action", map[string]any{
			"assignee_id":     "worker-1",
			"due_date":        due,
			"description":     "corrective work",
			"expected_status": "approved",
		}, supervisor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
		}
		want[o.ID] = true
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		url := srv.URL + "/v1/actions/open?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, supervisor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("open actions status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedOpenActions
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.Observation.ID] {
				t.Fatalf("action %s returned twice", item.Observation.ID)
			}
			seen[item.Observation.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != len(want) {
		t.Fatalf("paged sequence returned %d of %d assigned actions", len(seen), len(want))
	}
}
