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

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/config"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/engine"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
	"github.com/andrewlasiter/fda-tools-sub000/internal/migrate"
	"github.com/andrewlasiter/fda-tools-sub000/internal/store"
)

const testJWTSecret = "test-jwt-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := store.Open(store.DBConfig{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("devicex")
	e := engine.New(conn, cfg, []byte("test-signing-key"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, subject string, role audit.Role) map[string]string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: string(role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
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

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", res.StatusCode)
	}
}

func TestForbiddenRecordsAccessDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	viewer := bearer(t, "v1", audit.RoleViewer)
	engineer := bearer(t, "e1", audit.RoleEngineer)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "devicex", "name": "DeviceX",
	}, viewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create: status %d, want 403: %s", res.StatusCode, string(data))
	}

	// The denial itself lands in the audit log.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?action=ACCESS_DENIED", nil, engineer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit query: status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("ACCESS_DENIED records = %d, want 1", out.Count)
	}
}

func TestSubmissionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	eng := bearer(t, "u1", audit.RoleEngineer)
	lead := bearer(t, "u2", audit.RoleRALead)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "devicex", "name": "DeviceX",
	}, eng)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/devicex/agent-output", map[string]any{
		"agent_id": "device_profiler", "summary": "device profile",
	}, eng)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record agent output: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/devicex/advance", map[string]any{
		"to": "CLASSIFY",
	}, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to CLASSIFY: %d %s", res.StatusCode, string(data))
	}

	// Gated transition without an approval conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/devicex/advance", map[string]any{
		"to": "PREDICATE",
	}, eng)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("ungated advance past gate: %d %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if apiErr.Error.Code != "gate_blocked" {
		t.Fatalf("error code = %q, want gate_blocked", apiErr.Error.Code)
	}

	// The engineer may not approve the gate.
	gate, _ := hitl.GateByID(hitl.GateClassify)
	approveBody := map[string]any{
		"project_id":    "devicex",
		"status":        "APPROVED",
		"checked_items": gate.RequiredItemIDs(),
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/GATE_CLASSIFY/approvals", approveBody, eng)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("engineer approval: %d %s, want 403", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/GATE_CLASSIFY/approvals", approveBody, lead)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ra_lead approval: %d %s", res.StatusCode, string(data))
	}
	var approval domain.ApprovalRecord
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/devicex/advance", map[string]any{
		"to": "PREDICATE", "approval_id": approval.ID,
	}, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gated advance: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/devicex", nil, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if project.CurrentStage != domain.StagePredicate {
		t.Fatalf("stage = %s, want %s", project.CurrentStage, domain.StagePredicate)
	}
	if len(project.Events) != 5 {
		t.Fatalf("event count = %d, want 5", len(project.Events))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify", nil, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verify.Tampered != 0 {
		t.Fatalf("tampered = %d, want 0", verify.Tampered)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/report", nil, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}
	var report ReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Passed {
		t.Fatalf("report did not pass: %+v", report.Findings)
	}
}

func TestChecklistIncompleteIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	eng := bearer(t, "u1", audit.RoleEngineer)
	lead := bearer(t, "u2", audit.RoleRALead)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "devicex", "name": "DeviceX",
	}, eng)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/GATE_CLASSIFY/approvals", map[string]any{
		"project_id": "devicex",
		"status":     "APPROVED",
	}, lead)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete checklist: %d %s, want 422", res.StatusCode, string(data))
	}
}

func TestStagesAndGatesListing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	viewer := bearer(t, "v1", audit.RoleViewer)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stages", nil, viewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages: %d %s", res.StatusCode, string(data))
	}
	var stages struct {
		Stages []StageResponse `json:"stages"`
	}
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal stages: %v", err)
	}
	if len(stages.Stages) != len(domain.Stages) {
		t.Fatalf("stage count = %d, want %d", len(stages.Stages), len(domain.Stages))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/gates", nil, viewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gates: %d %s", res.StatusCode, string(data))
	}
	var gates struct {
		Gates []domain.Gate `json:"gates"`
	}
	if err := json.Unmarshal(data, &gates); err != nil {
		t.Fatalf("unmarshal gates: %v", err)
	}
	if len(gates.Gates) != 5 {
		t.Fatalf("gate count = %d, want 5", len(gates.Gates))
	}
}

func TestAuditExport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	eng := bearer(t, "u1", audit.RoleEngineer)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "devicex", "name": "DeviceX",
	}, eng)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/export", nil, eng)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var export audit.Export
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if export.RecordCount < 1 {
		t.Fatalf("export record count = %d, want at least 1", export.RecordCount)
	}
}
