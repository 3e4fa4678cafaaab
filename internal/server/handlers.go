package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/sync"
	"github.com/vibestack/syncd/internal/wal"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Admin error types surfaced in the response envelope.
const (
	errInternal   = "INTERNAL"
	errNotFound   = "NOT_FOUND"
	errValidation = "VALIDATION"
)

type handlers struct {
	collector  *metrics.Collector
	cfg        *config.Config
	dispatcher SessionRegistrar
	history    sync.HistoryReader
	pool       *pgxpool.Pool
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.collector.Snapshot())
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.dispatcher.Sessions())
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeErr(w, http.StatusNotFound, errNotFound, "no config available")
		return
	}
	// Redact credentials.
	redacted := struct {
		Database    redactedDB               `json:"database"`
		Replication config.ReplicationConfig `json:"replication"`
		Sync        config.SyncConfig        `json:"sync"`
	}{
		Database:    redactDB(h.cfg.Database),
		Replication: h.cfg.Replication,
		Sync:        h.cfg.Sync,
	}
	writeOK(w, redacted)
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.collector.Logs())
}

// historyRange serves GET /api/v1/history?fromLsn=&toLsn=&limit=.
func (h *handlers) historyRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from, to pglogrepl.LSN
	if raw := q.Get("fromLsn"); raw != "" {
		v, err := lsn.Parse(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, errValidation, "malformed fromLsn")
			return
		}
		from = v
	}
	if raw := q.Get("toLsn"); raw != "" {
		v, err := lsn.Parse(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, errValidation, "malformed toLsn")
			return
		}
		to = v
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 10_000 {
			writeErr(w, http.StatusBadRequest, errValidation, "limit must be 1..10000")
			return
		}
		limit = v
	}

	changes, err := h.history.ByLSNRange(r.Context(), from, to, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errInternal, err.Error())
		return
	}
	writeOK(w, changes)
}

func (h *handlers) replicationLSN(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, "database unavailable")
		return
	}
	server, err := wal.CurrentLSN(r.Context(), h.pool)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, err.Error())
		return
	}
	max, err := h.history.MaxLSN(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errInternal, err.Error())
		return
	}
	writeOK(w, map[string]string{
		"serverLsn":  lsn.Format(server),
		"historyMax": lsn.Format(max),
	})
}

func (h *handlers) replicationSlots(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, "database unavailable")
		return
	}
	slots, err := wal.ListSlots(r.Context(), h.pool)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, err.Error())
		return
	}
	writeOK(w, slots)
}

func (h *handlers) replicationInit(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, "database unavailable")
		return
	}
	created, err := wal.EnsureSlot(r.Context(), h.pool,
		h.cfg.Replication.SlotName, h.cfg.Replication.OutputPlugin)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, errInternal, err.Error())
		return
	}
	server, err := wal.CurrentLSN(r.Context(), h.pool)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, errInternal, err.Error())
		return
	}
	writeOK(w, map[string]any{
		"slot":    h.cfg.Replication.SlotName,
		"created": created,
		"lsn":     lsn.Format(server),
	})
}

type redactedDB struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	User   string `json:"user"`
	DBName string `json:"dbname"`
}

func redactDB(d config.DatabaseConfig) redactedDB {
	return redactedDB{
		Host:   d.Host,
		Port:   d.Port,
		User:   d.User,
		DBName: d.DBName,
	}
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{OK: true, Data: data}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeErr(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:    false,
		Error: &apiError{Type: typ, Message: msg},
	})
}
