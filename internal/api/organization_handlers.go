package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/database/models"
)

type createClientRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type createBranchRequest struct {
	ClientID string `json:"client_id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
}

type createLocationRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"max=500"`
}

type updateLocationRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type ownerResponse struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id,omitempty"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

type locationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toLocationResponse(l *models.Location) locationResponse {
	return locationResponse{
		ID:        l.ID,
		Name:      l.Name,
		Address:   l.Address,
		Active:    l.Active,
		CreatedAt: formatTime(l.CreatedAt),
		UpdatedAt: formatTime(l.UpdatedAt),
	}
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c := &models.Client{Name: req.Name, Active: true, CreatedAt: s.now().UTC()}
	if err := s.clients.Create(r.Context(), c); err != nil {
		s.writeServiceError(w, r, "create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, ownerResponse{
		ID:        c.ID,
		Name:      c.Name,
		Active:    c.Active,
		CreatedAt: formatTime(c.CreatedAt),
	})
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req createBranchRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	client, err := s.clients.GetByID(r.Context(), req.ClientID)
	if err != nil {
		s.writeServiceError(w, r, "create branch", err)
		return
	}
	if client == nil {
		writeError(w, http.StatusUnprocessableEntity, "client not found")
		return
	}

	b := &models.Branch{ClientID: client.ID, Name: req.Name, Active: true, CreatedAt: s.now().UTC()}
	if err := s.branches.Create(r.Context(), b); err != nil {
		s.writeServiceError(w, r, "create branch", err)
		return
	}
	writeJSON(w, http.StatusCreated, ownerResponse{
		ID:        b.ID,
		ClientID:  b.ClientID,
		Name:      b.Name,
		Active:    b.Active,
		CreatedAt: formatTime(b.CreatedAt),
	})
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.locations.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list locations", err)
		return
	}
	items := make([]locationResponse, len(locs))
	for i := range locs {
		items[i] = toLocationResponse(&locs[i])
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	now := s.now().UTC()
	loc := &models.Location{Name: req.Name, Address: req.Address, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := s.locations.Create(r.Context(), loc); err != nil {
		s.writeServiceError(w, r, "create location", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLocationResponse(loc))
}

// handleUpdateLocation toggles a location's active flag. Kiosks bound at
// an inactive location are told to stop at their next heartbeat.
func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req updateLocationRequest
	if errMsg := s.decodeJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id := chi.URLParam(r, "id")
	loc, err := s.locations.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, "update location", err)
		return
	}
	if loc == nil {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}

	if loc.Active != *req.Active {
		if err := s.locations.SetActive(r.Context(), id, *req.Active); err != nil {
			s.writeServiceError(w, r, "update location", err)
			return
		}
		s.audit.LogEvent(r.Context(), audit.Event{
			Type:       audit.LocationUpdated,
			Message:    fmt.Sprintf("location %q set active=%t", loc.Name, *req.Active),
			AdminEmail: actor(r),
			Data:       map[string]any{"location_id": loc.ID, "active": *req.Active},
		})
		loc.Active = *req.Active
		loc.UpdatedAt = s.now().UTC()
	}
	writeJSON(w, http.StatusOK, toLocationResponse(loc))
}
