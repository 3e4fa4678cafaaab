package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/sync"
	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/internal/wal"
)

type fakeRegistrar struct {
	sessions []sync.SessionInfo
}

func (f *fakeRegistrar) Register(context.Context, string, pglogrepl.LSN, transport.Conn) (*sync.Session, error) {
	return nil, nil
}

func (f *fakeRegistrar) Sessions() []sync.SessionInfo { return f.sessions }

type fakeHistory struct {
	changes []wal.Change
}

func (f *fakeHistory) ByLSNRange(_ context.Context, startExcl, endIncl pglogrepl.LSN, limit int) ([]wal.Change, error) {
	var out []wal.Change
	for _, c := range f.changes {
		if c.LSN <= startExcl {
			continue
		}
		if endIncl != 0 && c.LSN > endIncl {
			break
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeHistory) MaxLSN(context.Context) (pglogrepl.LSN, error) {
	if len(f.changes) == 0 {
		return 0, nil
	}
	return f.changes[len(f.changes)-1].LSN, nil
}

func testServer(t *testing.T) (*Server, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector(zerolog.Nop())
	t.Cleanup(collector.Close)

	cfg := config.Defaults()
	cfg.Database.Password = "hunter2"

	reg := &fakeRegistrar{
		sessions: []sync.SessionInfo{
			{ClientID: "alpha", State: "live", Cursor: "0/64"},
		},
	}
	hist := &fakeHistory{
		changes: []wal.Change{
			{LSN: 10, Table: "tasks", Op: wal.OpInsert, Data: map[string]any{"id": "a"}},
			{LSN: 20, Table: "tasks", Op: wal.OpUpdate, Data: map[string]any{"id": "a"}},
		},
	}
	return New(collector, &cfg, reg, hist, nil, zerolog.Nop()), collector
}

func doGET(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func TestStatusEndpoint(t *testing.T) {
	srv, collector := testServer(t)
	collector.SetPhase("serving")

	rec := doGET(t, srv.Handler(), "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.OK {
		t.Fatal("envelope not ok")
	}
	data, _ := json.Marshal(env.Data)
	if !strings.Contains(string(data), `"phase":"serving"`) {
		t.Errorf("status payload missing phase: %s", data)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/sessions")
	env := decodeEnvelope(t, rec)
	if !env.OK {
		t.Fatal("envelope not ok")
	}
	data, _ := json.Marshal(env.Data)
	if !strings.Contains(string(data), `"clientId":"alpha"`) {
		t.Errorf("sessions payload = %s, want alpha entry", data)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/history?fromLsn=0/a")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, _ := json.Marshal(env.Data)
	// Strictly after 0/a: only the record at LSN 20.
	if strings.Count(string(data), `"table"`) != 1 {
		t.Errorf("history payload = %s, want one record", data)
	}
}

func TestHistoryEndpoint_MalformedLSN(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/history?fromLsn=nope")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.OK || env.Error == nil || env.Error.Type != errValidation {
		t.Errorf("envelope = %+v, want VALIDATION error", env)
	}
}

func TestHistoryEndpoint_LimitBounds(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/history?limit=0")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
	rec = doGET(t, srv.Handler(), "/api/v1/history?limit=99999")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=99999 status = %d, want 400", rec.Code)
	}
}

func TestConfigEndpoint_RedactsPassword(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("config response leaks the database password")
	}
}

func TestReplicationLSN_NoDatabase(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/api/v1/replication/lsn")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.OK || env.Error == nil || env.Error.Type != errInternal {
		t.Errorf("envelope = %+v, want INTERNAL error", env)
	}
}

func TestReplicationRoutes_Unversioned(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Handler()

	// The replication and history routes answer with and without the
	// /api/v1 prefix.
	rec := doGET(t, h, "/history?fromLsn=0/a")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /history status = %d, want 200", rec.Code)
	}

	for _, path := range []string{"/replication/lsn", "/replication/slots"} {
		rec := doGET(t, h, path)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503 without a database", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/replication/init", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /replication/init status = %d, want 503 without a database", rec.Code)
	}
}

func TestSyncEndpoint_RequiresClientID(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/sync")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Type != errValidation {
		t.Errorf("envelope = %+v, want VALIDATION error", env)
	}
}

func TestSyncEndpoint_MalformedLSN(t *testing.T) {
	srv, _ := testServer(t)

	rec := doGET(t, srv.Handler(), "/sync?clientId=c1&lsn=zzz/")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMethodRouting(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/status status = %d, want 405", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, collector := testServer(t)
	collector.AddLog(metrics.LogEntry{Level: "info", Message: "slot advanced"})

	rec := doGET(t, srv.Handler(), "/api/v1/logs")
	env := decodeEnvelope(t, rec)
	if !env.OK {
		t.Fatal("envelope not ok")
	}
	if !strings.Contains(rec.Body.String(), "slot advanced") {
		t.Error("logs payload missing entry")
	}
}
