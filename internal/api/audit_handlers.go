package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// auditEntryResponse is the JSON response for one audit log entry.
type auditEntryResponse struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	LicenseID  string          `json:"license_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	AdminEmail string          `json:"admin_email,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func toAuditEntryResponse(e *models.AuditLogEntry) auditEntryResponse {
	resp := auditEntryResponse{
		ID:         e.ID,
		EventType:  e.EventType,
		Severity:   e.Severity,
		Message:    e.Message,
		LicenseID:  e.LicenseID,
		DeviceID:   e.DeviceID,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		AdminEmail: e.AdminEmail,
		CreatedAt:  formatTime(e.CreatedAt),
	}
	if e.EventData != "" && json.Valid([]byte(e.EventData)) {
		resp.EventData = json.RawMessage(e.EventData)
	}
	return resp
}

// auditQuery is one of the trail's listing methods.
type auditQuery func(ctx context.Context, limit int) ([]models.AuditLogEntry, error)

// serveAudit parses ?limit, runs query and writes the entries. A zero
// limit lets the store apply its default.
func (s *Server) serveAudit(w http.ResponseWriter, r *http.Request, op string, query auditQuery) {
	limit, errMsg := queryInt(r, "limit", 0)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	es, err := query(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, op, err)
		return
	}
	items := make([]auditEntryResponse, len(es))
	for i := range es {
		items[i] = toAuditEntryResponse(&es[i])
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	s.serveAudit(w, r, "recent audit", s.audit.Recent)
}

func (s *Server) handleCriticalAudit(w http.ResponseWriter, r *http.Request) {
	s.serveAudit(w, r, "critical audit", s.audit.Critical)
}

func (s *Server) handleCloningAudit(w http.ResponseWriter, r *http.Request) {
	s.serveAudit(w, r, "cloning audit", s.audit.CloningAttempts)
}

func (s *Server) handleLicenseAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.serveAudit(w, r, "license audit", func(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
		return s.audit.ByLicense(ctx, id, limit)
	})
}

func (s *Server) handleDeviceAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.serveAudit(w, r, "device audit", func(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
		return s.audit.ByDevice(ctx, id, limit)
	})
}

// handleAuditStats returns counts by severity and type and security threat totals.
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "audit stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
