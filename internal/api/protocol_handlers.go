package api

import (
	"net/http"

	"github.com/kioskguard/kioskguard/internal/api/middleware"
	"github.com/kioskguard/kioskguard/internal/binding"
	"github.com/kioskguard/kioskguard/internal/device"
)

// activateRequest is the JSON request body a kiosk sends to activate.
type activateRequest struct {
	LicenseKey        string              `json:"license_key" validate:"required,max=64"`
	DeviceFingerprint string              `json:"device_fingerprint" validate:"required,max=128"`
	DeviceDescriptors *device.Descriptors `json:"device_descriptors"`
	LocationID        string              `json:"location_id" validate:"max=64"`
}

// checkRequest is the JSON request body for validate and heartbeat.
type checkRequest struct {
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=128"`
	ActivationCode    string `json:"activation_code" validate:"required,max=64"`
}

type activateResponse struct {
	Success        bool                  `json:"success"`
	Message        string                `json:"message"`
	ActivationCode string                `json:"activation_code"`
	DeviceToken    string                `json:"device_token"`
	ExpiresAt      string                `json:"expires_at"`
	Device         binding.DeviceInfo    `json:"device"`
	License        binding.LicenseInfo   `json:"license"`
	Client         binding.OwnerInfo     `json:"client"`
	Branch         binding.OwnerInfo     `json:"branch"`
	Location       *binding.LocationInfo `json:"location,omitempty"`
}

type activateFailure struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Details   any    `json:"details,omitempty"`
}

type validateResponse struct {
	Valid    bool                  `json:"valid"`
	License  binding.LicenseInfo   `json:"license"`
	Device   binding.DeviceInfo    `json:"device"`
	Client   binding.OwnerInfo     `json:"client"`
	Branch   binding.OwnerInfo     `json:"branch"`
	Location *binding.LocationInfo `json:"location,omitempty"`
}

type validateFailure struct {
	Valid          bool   `json:"valid"`
	Error          string `json:"error"`
	ErrorCode      string `json:"error_code"`
	ActionRequired string `json:"action_required"`
}

type heartbeatResponse struct {
	Success           bool                  `json:"success"`
	NextHeartbeatInMs int64                 `json:"next_heartbeat_in_ms"`
	LicenseStatus     binding.LicenseStatus `json:"license_status"`
	Warnings          []string              `json:"warnings,omitempty"`
}

type heartbeatFailure struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	ErrorCode      string `json:"error_code"`
	ActionRequired string `json:"action_required"`
}

func toActivateResponse(a *binding.Activation, msg string) activateResponse {
	return activateResponse{
		Success:        true,
		Message:        msg,
		ActivationCode: a.ActivationCode,
		DeviceToken:    a.DeviceToken,
		ExpiresAt:      formatTime(a.TokenExpiresAt),
		Device:         a.Device,
		License:        a.License,
		Client:         a.Client,
		Branch:         a.Branch,
		Location:       a.Location,
	}
}

// handleActivate binds a license to the requesting kiosk.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	in := binding.ActivateRequest{
		LicenseKey:  req.LicenseKey,
		Fingerprint: req.DeviceFingerprint,
		LocationID:  req.LocationID,
		IP:          middleware.ClientIP(r),
		UserAgent:   r.UserAgent(),
	}
	if req.DeviceDescriptors != nil {
		in.Descriptors = *req.DeviceDescriptors
	}

	a, f, err := s.engine.Activate(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, "activate", err)
		return
	}
	if f != nil {
		writeRaw(w, http.StatusOK, activateFailure{
			Error:     f.Message,
			ErrorCode: f.Code,
			Details:   f.Details,
		})
		return
	}

	msg := "License activated successfully"
	if a.Reactivated {
		msg = "Device already activated for this license"
	}
	writeRaw(w, http.StatusOK, toActivateResponse(a, msg))
}

// handleValidate is the kiosk's startup check.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	v, f, err := s.engine.Validate(r.Context(), s.checkRequest(r, req))
	if err != nil {
		s.writeServiceError(w, r, "validate", err)
		return
	}
	if f != nil {
		writeRaw(w, http.StatusOK, validateFailure{
			Error:          f.Message,
			ErrorCode:      f.Code,
			ActionRequired: f.Action,
		})
		return
	}

	writeRaw(w, http.StatusOK, validateResponse{
		Valid:    true,
		License:  v.License,
		Device:   v.Device,
		Client:   v.Client,
		Branch:   v.Branch,
		Location: v.Location,
	})
}

// handleHeartbeat records that a kiosk is alive.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	hb, f, err := s.engine.Heartbeat(r.Context(), s.checkRequest(r, req))
	if err != nil {
		s.writeServiceError(w, r, "heartbeat", err)
		return
	}
	if f != nil {
		writeRaw(w, http.StatusOK, heartbeatFailure{
			Error:          f.Message,
			ErrorCode:      f.Code,
			ActionRequired: f.Action,
		})
		return
	}

	writeRaw(w, http.StatusOK, heartbeatResponse{
		Success:           true,
		NextHeartbeatInMs: hb.NextHeartbeat.Milliseconds(),
		LicenseStatus:     hb.Status,
		Warnings:          hb.Warnings,
	})
}

func (s *Server) checkRequest(r *http.Request, req checkRequest) binding.CheckRequest {
	return binding.CheckRequest{
		Fingerprint:    req.DeviceFingerprint,
		ActivationCode: req.ActivationCode,
		IP:             middleware.ClientIP(r),
		UserAgent:      r.UserAgent(),
	}
}
