package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"batipay/internal/config"
	"batipay/internal/db"
	"batipay/internal/domain"
	"batipay/internal/engine"
	"batipay/internal/migrate"
	"batipay/internal/repo"
)

const testJWTSecret = "test-secret"

var (
	asClient   = map[string]string{"X-Actor-Id": "client-1", "X-Actor-Role": "client"}
	asProvider = map[string]string{"X-Actor-Id": "provider-1", "X-Actor-Role": "provider"}
	asRival    = map[string]string{"X-Actor-Id": "provider-2", "X-Actor-Role": "provider"}
	asAdmin    = map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Role": "admin"}
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Escrow.LockWaitSeconds = 1
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
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
	t.Cleanup(testSrv.close)
	return testSrv
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

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":  "School extension",
		"city":   "Douala",
		"budget": 200000,
	}, asClient)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if project.Status != domain.ProjectPendingAssignment {
		t.Fatalf("expected pending_assignment, got %s", project.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	var application ApplicationResponse
	_ = json.Unmarshal(data, &application)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/applicants", nil, asClient)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("applicants: %d %s", res.StatusCode, string(data))
	}
	var applicants paginatedApplicants
	_ = json.Unmarshal(data, &applicants)
	if len(applicants.Items) != 1 {
		t.Fatalf("expected 1 applicant, got %d", len(applicants.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/hire", map[string]any{
		"application_id": application.ID,
	}, asClient)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hire: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/expenses", map[string]any{
		"amount":   80000,
		"category": "materials",
	}, asProvider)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit expense: %d %s", res.StatusCode, string(data))
	}
	var expense ExpenseResponse
	_ = json.Unmarshal(data, &expense)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expenses/"+expense.ID+"/approve", nil, asClient)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/summary", nil, asClient)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var summary SummaryResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.TotalApproved != 80000 || summary.PercentBudgetUsed != 40 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID+"/events", nil, asClient)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	_ = json.Unmarshal(data, &events)
	found := false
	for _, evt := range events.Items {
		if evt.Type == "expense.payout_intent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a payout intent in the audit feed: %s", string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/missing", nil, asClient)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "t", "city": "Douala", "budget": 200000,
	}, asClient)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	_ = json.Unmarshal(data, &project)

	// duplicate application -> 409 with stable code
	if res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider); res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Code != "duplicate_application" {
		t.Fatalf("expected duplicate_application, got %+v", e)
	}
}

func TestBudgetExceededOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "Warehouse", "city": "Douala", "budget": 200000,
	}, asClient)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	_ = json.Unmarshal(data, &project)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider)
	var application ApplicationResponse
	_ = json.Unmarshal(data, &application)
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/hire", map[string]any{
		"application_id": application.ID,
	}, asClient); res.StatusCode != http.StatusOK {
		t.Fatalf("hire: %d %s", res.StatusCode, string(data))
	}

	submit := func(amount int64) ExpenseResponse {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/expenses", map[string]any{
			"amount": amount, "category": "labor",
		}, asProvider)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit: %d %s", res.StatusCode, string(data))
		}
		var x ExpenseResponse
		_ = json.Unmarshal(data, &x)
		return x
	}
	x1 := submit(150000)
	x2 := submit(150000)

	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expenses/"+x1.ID+"/approve", nil, asClient); res.StatusCode != http.StatusOK {
		t.Fatalf("approve first: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/expenses/"+x2.ID+"/approve", nil, asClient)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	e := decodeError(t, data)
	if e.Code != "budget_exceeded" {
		t.Fatalf("expected budget_exceeded, got %+v", e)
	}
	if e.Details["budget"] == nil || e.Details["approved"] == nil || e.Details["requested"] == nil {
		t.Fatalf("expected budget details, got %+v", e.Details)
	}
}

func TestBusyReturnsRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "Bridge", "city": "Douala", "budget": 100000,
	}, asClient)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	_ = json.Unmarshal(data, &project)
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider)
	var application ApplicationResponse
	_ = json.Unmarshal(data, &application)

	release, err := srv.Engine.Locks.Acquire(context.Background(), project.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/hire", map[string]any{
		"application_id": application.ID,
	}, asClient)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if e := decodeError(t, data); e.Code != "busy" {
		t.Fatalf("expected busy, got %+v", e)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	claims := jwt.MapClaims{
		"sub":  "client-9",
		"role": "client",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "Clinic", "city": "Bafoussam", "budget": 75000,
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	_ = json.Unmarshal(data, &project)
	if project.OwnerID != "client-9" {
		t.Fatalf("owner should come from the token subject, got %s", project.OwnerID)
	}

	bad, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", bad.StatusCode)
	}
}

func TestAPIKeyAuthAndRole(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	raw := "secret-admin-key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "admin-1",
		Role:    domain.RoleAdmin,
		KeyHash: repo.HashAPIKey(raw),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "provider-7", "role": "provider", "name": "site tablet",
	}, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key as admin: %d %s", res.StatusCode, string(data))
	}

	// non-admins cannot manage keys
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/apikeys", nil, asProvider)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for provider, got %d %s", res.StatusCode, string(data))
	}
}

func TestOwnershipEnforcedOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "Depot", "city": "Douala", "budget": 100000,
	}, asClient)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	_ = json.Unmarshal(data, &project)
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/applications", nil, asProvider)
	var application ApplicationResponse
	_ = json.Unmarshal(data, &application)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/hire", map[string]any{
		"application_id": application.ID,
	}, asRival)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner hire, got %d %s", res.StatusCode, string(data))
	}
}
