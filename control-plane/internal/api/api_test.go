package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleet-net/comply-mon/control-plane/internal/service"
	"github.com/fleet-net/comply-mon/control-plane/internal/store"
	"github.com/fleet-net/comply-mon/pkg/types"
)

func newTestServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(store.NewMemory(), logger)
	return NewServer(svc, logger)
}

func reportPayload(machineID string, ts time.Time, statuses map[types.CheckKind]string) types.IncomingReport {
	checks := map[types.CheckKind]types.CheckResult{
		types.CheckDiskEncryption: {Kind: types.CheckDiskEncryption, RawStatus: "encrypted"},
		types.CheckOSUpdates:      {Kind: types.CheckOSUpdates, RawStatus: "up_to_date"},
		types.CheckAntivirus:      {Kind: types.CheckAntivirus, RawStatus: "active"},
		types.CheckSleepSettings:  {Kind: types.CheckSleepSettings, RawStatus: "ok"},
	}
	for kind, raw := range statuses {
		checks[kind] = types.CheckResult{Kind: kind, RawStatus: raw}
	}
	return types.IncomingReport{
		MachineID: machineID,
		Timestamp: ts,
		OS:        types.OSInfo{System: "Darwin", Version: "23.1.0", Release: "14.1"},
		Checks:    checks,
	}
}

func postReport(t *testing.T, srv *Server, in types.IncomingReport) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/v1/reports", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestIngestReport(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	w := postReport(t, srv, reportPayload("mac-001", ts, map[types.CheckKind]string{
		types.CheckDiskEncryption: "unencrypted",
	}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d, want 202: %s", w.Code, w.Body.String())
	}

	var res service.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.ReportID == "" {
		t.Error("response missing report_id")
	}
	if res.Overall != types.SeverityCritical {
		t.Errorf("overall = %v, want critical", res.Overall)
	}
}

// downStore refuses appends so handlers see a storage outage.
type downStore struct {
	store.Store
}

func (d *downStore) AppendReport(context.Context, *types.Report) (*types.AppendResult, error) {
	return nil, errors.New("connection refused")
}

func TestIngestStoreUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(&downStore{Store: store.NewMemory()}, logger)
	srv := NewServer(svc, logger)

	w := postReport(t, srv, reportPayload("mac-001", time.Now(), nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ingest with store down = %d, want 503: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("storage error details should not leak to the agent")
	}
}

func TestIngestMalformed(t *testing.T) {
	srv := newTestServer()
	in := reportPayload("mac-001", time.Now(), nil)
	delete(in.Checks, types.CheckAntivirus)

	w := postReport(t, srv, in)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed ingest = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "antivirus") {
		t.Errorf("error should name the missing check: %s", w.Body.String())
	}
}

func TestIngestDuplicateFlag(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if w := postReport(t, srv, reportPayload("mac-001", ts, nil)); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}
	w := postReport(t, srv, reportPayload("mac-001", ts, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("duplicate ingest = %d, want 202", w.Code)
	}
	var res service.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Error("response should carry the duplicate flag")
	}
}

func TestIngestBatchGzip(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	batch := types.ReportBatch{
		BatchID:   "batch-1",
		CreatedAt: ts,
		Reports: []types.IncomingReport{
			reportPayload("mac-001", ts, nil),
			reportPayload("mac-002", ts, nil),
		},
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(raw)
	gz.Close()

	req := httptest.NewRequest("POST", "/api/v1/reports/batch", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("batch ingest = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", resp["accepted"])
	}
}

func TestGetMachine(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if w := postReport(t, srv, reportPayload("mac-001", ts, nil)); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/machines/mac-001", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get machine = %d, want 200", w.Code)
	}
	var snap types.MachineSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.MachineID != "mac-001" || snap.Overall != types.SeverityOK {
		t.Errorf("snapshot = %+v", snap)
	}

	req = httptest.NewRequest("GET", "/api/v1/machines/ghost", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown machine = %d, want 404", w.Code)
	}
}

func TestMachineHistory(t *testing.T) {
	srv := newTestServer()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		in := reportPayload("mac-001", base.Add(time.Duration(i)*time.Minute), nil)
		if w := postReport(t, srv, in); w.Code != http.StatusAccepted {
			t.Fatal(w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/machines/mac-001/history?limit=3", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d, want 200", w.Code)
	}
	var resp struct {
		MachineID string          `json:"machine_id"`
		Reports   []*types.Report `json:"reports"`
		Count     int             `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}
	if !resp.Reports[0].Timestamp.After(resp.Reports[1].Timestamp) {
		t.Error("history should be newest first")
	}

	// Date-range query.
	since := base.Add(1 * time.Minute).Format(time.RFC3339)
	until := base.Add(3 * time.Minute).Format(time.RFC3339)
	req = httptest.NewRequest("GET",
		fmt.Sprintf("/api/v1/machines/mac-001/history?limit=10&since=%s&until=%s", since, until), nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 {
		t.Errorf("ranged count = %d, want 3", resp.Count)
	}

	req = httptest.NewRequest("GET", "/api/v1/machines/mac-001/history?limit=abc", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}
}

func TestListMachines(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if w := postReport(t, srv, reportPayload("mac-001", ts, nil)); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}
	win := reportPayload("win-001", ts, map[types.CheckKind]string{
		types.CheckAntivirus: "inactive",
	})
	win.OS = types.OSInfo{System: "Windows", Version: "10.0.22631", Release: "11"}
	if w := postReport(t, srv, win); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/machines?has_issues=true", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list machines = %d, want 200", w.Code)
	}
	var resp struct {
		Machines []*types.MachineSnapshot `json:"machines"`
		Count    int                      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Machines[0].MachineID != "win-001" {
		t.Errorf("filtered list = %+v", resp)
	}
}

func TestFleetOverview(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if w := postReport(t, srv, reportPayload("mac-001", ts, nil)); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/fleet/overview", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("overview = %d, want 200", w.Code)
	}
	var overview types.FleetOverview
	if err := json.Unmarshal(w.Body.Bytes(), &overview); err != nil {
		t.Fatal(err)
	}
	if overview.TotalMachines != 1 || overview.OKMachines != 1 {
		t.Errorf("overview = %+v", overview)
	}
}

func TestExportCSVEndpoint(t *testing.T) {
	srv := newTestServer()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if w := postReport(t, srv, reportPayload("mac-001", ts, nil)); w.Code != http.StatusAccepted {
		t.Fatal(w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/export/csv", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	if !strings.Contains(w.Body.String(), "mac-001") {
		t.Error("export missing the stored report")
	}
}

func TestAgentAuth(t *testing.T) {
	srv := newTestServer()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetAgentKeyHash(string(hash))
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(reportPayload("mac-001", ts, nil))

	// Missing key rejected.
	req := httptest.NewRequest("POST", "/api/v1/reports", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key = %d, want 401", w.Code)
	}

	// Wrong key rejected.
	req = httptest.NewRequest("POST", "/api/v1/reports", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}

	// Correct key accepted.
	req = httptest.NewRequest("POST", "/api/v1/reports", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret-key")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("valid key = %d, want 202: %s", w.Code, w.Body.String())
	}

	// Health stays open.
	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health with auth enabled = %d, want 200", w.Code)
	}
}

func TestManagementAuth(t *testing.T) {
	srv := newTestServer()
	secret := []byte("test-jwt-secret")
	srv.SetJWTSecret(secret)

	// Missing token rejected.
	req := httptest.NewRequest("GET", "/api/v1/machines", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", w.Code)
	}

	// Valid token accepted.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest("GET", "/api/v1/machines", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}

	// Token signed with the wrong secret rejected.
	badToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	badSigned, err := badToken.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest("GET", "/api/v1/machines", nil)
	req.Header.Set("Authorization", "Bearer "+badSigned)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("forged token = %d, want 401", w.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	srv := newTestServer()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	limited := false
	for i := 0; i < 10; i++ {
		in := reportPayload("mac-001", base.Add(time.Duration(i)*time.Second), nil)
		w := postReport(t, srv, in)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if w.Code != http.StatusAccepted {
			t.Fatalf("ingest %d = %d", i, w.Code)
		}
	}
	if !limited {
		t.Error("sustained submissions from one machine should hit the rate limit")
	}

	// Other machines are unaffected.
	w := postReport(t, srv, reportPayload("mac-002", base, nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("other machine = %d, want 202", w.Code)
	}
}
