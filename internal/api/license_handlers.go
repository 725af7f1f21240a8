package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/database/models"
	"github.com/kioskguard/kioskguard/internal/license"
)

type createLicenseRequest struct {
	Type     string `json:"type" validate:"required,oneof=trial annual perpetual"`
	ClientID string `json:"client_id" validate:"required,max=64"`
	BranchID string `json:"branch_id" validate:"required,max=64"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type extendRequest struct {
	Days int `json:"days" validate:"required"`
}

type licenseStatsResponse struct {
	*license.Stats
	LateBindings int `json:"late_bindings"`
}

type transferRequest struct {
	OldDeviceFingerprint string `json:"old_device_fingerprint" validate:"required,max=128"`
	NewDeviceFingerprint string `json:"new_device_fingerprint" validate:"required,max=128"`
	Reason               string `json:"reason" validate:"required,max=500"`
}

// licenseResponse is the JSON response for a single license.
type licenseResponse struct {
	ID               string           `json:"id"`
	LicenseKey       string           `json:"license_key"`
	Type             string           `json:"type"`
	Status           string           `json:"status"`
	EffectiveStatus  string           `json:"effective_status"`
	DaysRemaining    *int             `json:"days_remaining"`
	IssuedDate       string           `json:"issued_date"`
	ExpiryDate       *string          `json:"expiry_date"`
	MaxDevices       int              `json:"max_devices"`
	FirstActivatedAt *string          `json:"first_activated_at"`
	LastValidatedAt  *string          `json:"last_validated_at"`
	RevokedAt        *string          `json:"revoked_at,omitempty"`
	RevokedReason    string           `json:"revoked_reason,omitempty"`
	RevokedBy        string           `json:"revoked_by,omitempty"`
	ClientID         string           `json:"client_id"`
	BranchID         string           `json:"branch_id"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
	Binding          *bindingResponse `json:"binding,omitempty"`
}

// bindingResponse is the operator view of a binding. The device token is
// never returned.
type bindingResponse struct {
	ID                 string  `json:"id"`
	LicenseID          string  `json:"license_id"`
	DeviceID           string  `json:"device_id"`
	LocationID         string  `json:"location_id,omitempty"`
	LocationName       string  `json:"location_name,omitempty"`
	IsActive           bool    `json:"is_active"`
	ActivationCode     string  `json:"activation_code"`
	ActivatedAt        string  `json:"activated_at"`
	DeactivatedAt      *string `json:"deactivated_at,omitempty"`
	DeactivationReason string  `json:"deactivation_reason,omitempty"`
	HeartbeatCount     int     `json:"heartbeat_count"`
	MissedHeartbeats   int     `json:"missed_heartbeats"`
	LastHeartbeatAt    *string `json:"last_heartbeat_at"`
	ActivationIP       string  `json:"activation_ip,omitempty"`
	LastSeenIP         string  `json:"last_seen_ip,omitempty"`
}

func (s *Server) toLicenseResponse(l *models.License) licenseResponse {
	now := s.now()
	return licenseResponse{
		ID:               l.ID,
		LicenseKey:       l.LicenseKey,
		Type:             l.Type,
		Status:           l.Status,
		EffectiveStatus:  s.licenses.Policy().EffectiveStatus(l, now),
		DaysRemaining:    license.DaysRemaining(l, now),
		IssuedDate:       formatTime(l.IssuedDate),
		ExpiryDate:       formatTimePtr(l.ExpiryDate),
		MaxDevices:       l.MaxDevices,
		FirstActivatedAt: formatTimePtr(l.FirstActivatedAt),
		LastValidatedAt:  formatTimePtr(l.LastValidatedAt),
		RevokedAt:        formatTimePtr(l.RevokedAt),
		RevokedReason:    l.RevokedReason,
		RevokedBy:        l.RevokedBy,
		ClientID:         l.ClientID,
		BranchID:         l.BranchID,
		CreatedBy:        l.CreatedBy,
		CreatedAt:        formatTime(l.CreatedAt),
		UpdatedAt:        formatTime(l.UpdatedAt),
	}
}

func toBindingResponse(b *models.Binding) *bindingResponse {
	return &bindingResponse{
		ID:                 b.ID,
		LicenseID:          b.LicenseID,
		DeviceID:           b.DeviceID,
		LocationID:         b.LocationID,
		LocationName:       b.LocationName,
		IsActive:           b.IsActive,
		ActivationCode:     b.ActivationCode,
		ActivatedAt:        formatTime(b.ActivatedAt),
		DeactivatedAt:      formatTimePtr(b.DeactivatedAt),
		DeactivationReason: b.DeactivationReason,
		HeartbeatCount:     b.HeartbeatCount,
		MissedHeartbeats:   b.MissedHeartbeats,
		LastHeartbeatAt:    formatTimePtr(b.LastHeartbeatAt),
		ActivationIP:       b.ActivationIP,
		LastSeenIP:         b.LastSeenIP,
	}
}

// handleCreateLicense issues a new pending license.
func (s *Server) handleCreateLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	l, err := s.licenses.Create(r.Context(), req.Type, req.ClientID, req.BranchID, actor(r))
	if err != nil {
		s.writeServiceError(w, r, "create license", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toLicenseResponse(l))
}

// handleListLicenses returns licenses matching the query filters.
func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	q := r.URL.Query()
	filter := database.LicenseFilter{
		Status:    q.Get("status"),
		Type:      q.Get("type"),
		ClientID:  q.Get("client_id"),
		BranchID:  q.Get("branch_id"),
		KeyPrefix: strings.TrimSpace(q.Get("q")),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}

	ls, err := s.licenses.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, "list licenses", err)
		return
	}

	items := make([]licenseResponse, len(ls))
	for i := range ls {
		items[i] = s.toLicenseResponse(&ls[i])
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Count:  len(items),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleLicenseStats returns license counts and binding health totals.
func (s *Server) handleLicenseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.licenses.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "license stats", err)
		return
	}
	late, err := s.engine.CountLate(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "license stats", err)
		return
	}
	writeJSON(w, http.StatusOK, licenseStatsResponse{Stats: stats, LateBindings: late})
}

// handleGetLicense returns one license with its binding.
func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := s.licenses.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "get license", err)
		return
	}
	b, err := s.engine.Binding(r.Context(), l.ID)
	if err != nil {
		s.writeServiceError(w, r, "get license", err)
		return
	}

	resp := s.toLicenseResponse(l)
	if b != nil {
		resp.Binding = toBindingResponse(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevokeLicense revokes a license and stops its kiosk.
func (s *Server) handleRevokeLicense(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	l, err := s.engine.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		s.writeServiceError(w, r, "revoke license", err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLicenseResponse(l))
}

// handleExtendLicense pushes a license's expiry date out.
func (s *Server) handleExtendLicense(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	l, err := s.licenses.Extend(r.Context(), chi.URLParam(r, "id"), req.Days, actor(r))
	if err != nil {
		s.writeServiceError(w, r, "extend license", err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLicenseResponse(l))
}

// handleTransferLicense moves a license to a replacement device.
func (s *Server) handleTransferLicense(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	a, err := s.engine.Transfer(r.Context(), chi.URLParam(r, "id"),
		req.OldDeviceFingerprint, req.NewDeviceFingerprint, req.Reason, actor(r))
	if err != nil {
		s.writeServiceError(w, r, "transfer license", err)
		return
	}
	writeJSON(w, http.StatusOK, toActivateResponse(a, "License transferred"))
}

// handleReleaseLicense frees a license for activation on another device.
func (s *Server) handleReleaseLicense(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.engine.Release(r.Context(), id, req.Reason, actor(r)); err != nil {
		s.writeServiceError(w, r, "release license", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"license_id": id, "released": true})
}
