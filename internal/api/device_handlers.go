package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// deviceResponse is the JSON response for a single device.
type deviceResponse struct {
	ID                string  `json:"id"`
	Fingerprint       string  `json:"device_fingerprint"`
	Name              string  `json:"device_name,omitempty"`
	AndroidID         string  `json:"android_id,omitempty"`
	BuildBrand        string  `json:"build_brand,omitempty"`
	BuildModel        string  `json:"build_model,omitempty"`
	BuildManufacturer string  `json:"build_manufacturer,omitempty"`
	OSVersion         string  `json:"os_version,omitempty"`
	IsRooted          bool    `json:"is_rooted"`
	IsEmulator        bool    `json:"is_emulator"`
	IsBlacklisted     bool    `json:"is_blacklisted"`
	BlacklistReason   string  `json:"blacklist_reason,omitempty"`
	BlacklistedAt     *string `json:"blacklisted_at,omitempty"`
	TotalActivations  int     `json:"total_activations"`
	FailedActivations int     `json:"failed_activations"`
	LastIPAddress     string  `json:"last_ip_address,omitempty"`
	FirstSeenAt       string  `json:"first_seen_at"`
	LastSeenAt        string  `json:"last_seen_at"`
}

func toDeviceResponse(d *models.Device) deviceResponse {
	return deviceResponse{
		ID:                d.ID,
		Fingerprint:       d.Fingerprint,
		Name:              d.Name,
		AndroidID:         d.AndroidID,
		BuildBrand:        d.BuildBrand,
		BuildModel:        d.BuildModel,
		BuildManufacturer: d.BuildManufacturer,
		OSVersion:         d.OSVersion,
		IsRooted:          d.IsRooted,
		IsEmulator:        d.IsEmulator,
		IsBlacklisted:     d.IsBlacklisted,
		BlacklistReason:   d.BlacklistReason,
		BlacklistedAt:     formatTimePtr(d.BlacklistedAt),
		TotalActivations:  d.TotalActivations,
		FailedActivations: d.FailedActivations,
		LastIPAddress:     d.LastIPAddress,
		FirstSeenAt:       formatTime(d.FirstSeenAt),
		LastSeenAt:        formatTime(d.LastSeenAt),
	}
}

func toDeviceResponses(ds []models.Device) []deviceResponse {
	out := make([]deviceResponse, len(ds))
	for i := range ds {
		out[i] = toDeviceResponse(&ds[i])
	}
	return out
}

// bindingHealthResponse is an active binding with its heartbeat health.
type bindingHealthResponse struct {
	*bindingResponse
	ShouldAlert               bool `json:"should_alert"`
	HeartbeatLate             bool `json:"heartbeat_late"`
	MinutesSinceLastHeartbeat *int `json:"minutes_since_last_heartbeat"`
}

// handleListBindings returns every active binding with heartbeat health.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	hs, err := s.engine.ActiveBindings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list bindings", err)
		return
	}

	items := make([]bindingHealthResponse, len(hs))
	for i := range hs {
		items[i] = bindingHealthResponse{
			bindingResponse:           toBindingResponse(&hs[i].Binding),
			ShouldAlert:               hs[i].ShouldAlert,
			HeartbeatLate:             hs[i].HeartbeatLate,
			MinutesSinceLastHeartbeat: hs[i].MinutesSinceLastHeartbeat,
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

// handleListDevices returns devices, most recently seen first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ds, err := s.devices.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.writeServiceError(w, r, "list devices", err)
		return
	}
	items := toDeviceResponses(ds)
	writeJSON(w, http.StatusOK, listResponse{
		Items:  items,
		Count:  len(items),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.devices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "get device", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

func (s *Server) handleListBlacklisted(w http.ResponseWriter, r *http.Request) {
	ds, err := s.devices.ListBlacklisted(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list blacklisted devices", err)
		return
	}
	items := toDeviceResponses(ds)
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

type blacklistRequest struct {
	DeviceFingerprint string     `json:"device_fingerprint" validate:"required,max=128"`
	Reason            string     `json:"reason" validate:"required,max=500"`
	Permanent         bool       `json:"permanent"`
	UnblockAfter      *time.Time `json:"unblock_after"`
}

type blacklistEntryResponse struct {
	ID             string  `json:"id"`
	Fingerprint    string  `json:"device_fingerprint"`
	Reason         string  `json:"reason"`
	BlockedBy      string  `json:"blocked_by"`
	LastSeenIP     string  `json:"last_seen_ip,omitempty"`
	ViolationCount int     `json:"violation_count"`
	IsPermanent    bool    `json:"is_permanent"`
	UnblockAfter   *string `json:"unblock_after"`
	BlockedAt      string  `json:"blocked_at"`
}

func toBlacklistEntryResponse(e *models.BlacklistEntry) blacklistEntryResponse {
	return blacklistEntryResponse{
		ID:             e.ID,
		Fingerprint:    e.Fingerprint,
		Reason:         e.Reason,
		BlockedBy:      e.BlockedBy,
		LastSeenIP:     e.LastSeenIP,
		ViolationCount: e.ViolationCount,
		IsPermanent:    e.IsPermanent,
		UnblockAfter:   formatTimePtr(e.UnblockAfter),
		BlockedAt:      formatTime(e.BlockedAt),
	}
}

// handleListBlacklistEntries returns the whole denylist.
func (s *Server) handleListBlacklistEntries(w http.ResponseWriter, r *http.Request) {
	es, err := s.devices.Entries(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list blacklist", err)
		return
	}
	items := make([]blacklistEntryResponse, len(es))
	for i := range es {
		items[i] = toBlacklistEntryResponse(&es[i])
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

// handleBlacklist denies activation to a fingerprint.
func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UnblockAfter != nil && !req.UnblockAfter.After(s.now()) {
		writeError(w, http.StatusBadRequest, "unblock_after must be in the future")
		return
	}

	e, err := s.devices.Blacklist(r.Context(), req.DeviceFingerprint, req.Reason, actor(r), req.Permanent, req.UnblockAfter)
	if err != nil {
		s.writeServiceError(w, r, "blacklist device", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBlacklistEntryResponse(e))
}

func (s *Server) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := s.devices.Unblacklist(r.Context(), fp, actor(r)); err != nil {
		s.writeServiceError(w, r, "unblacklist device", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_fingerprint": fp, "unblacklisted": true})
}
