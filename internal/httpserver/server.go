package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/appeals"
	"github.com/ILLUVRSE/appeal-router/internal/models"
	"github.com/ILLUVRSE/appeal-router/internal/store"
)

type Server struct {
	service *appeals.Service
	guard   *TokenGuard
}

// New builds the API. A nil guard leaves write routes open.
func New(service *appeals.Service, guard *TokenGuard) *Server {
	return &Server{service: service, guard: guard}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Get("/appeals", s.handleListAppeals)
	r.Get("/appeals/{id}", s.handleGetAppeal)
	r.Get("/operators", s.handleListOperators)
	r.Get("/operators/{id}", s.handleGetOperator)
	r.Get("/lead-sources", s.handleListLeadSources)
	r.Get("/lead-sources/{id}/operators", s.handleListLinks)

	r.Group(func(r chi.Router) {
		if s.guard != nil {
			r.Use(s.guard.Middleware)
		}
		r.Post("/appeals", s.handleCreateAppeal)
		r.Put("/appeals/{id}", s.handleUpdateAppeal)
		r.Delete("/appeals/{id}", s.handleDeleteAppeal)
		r.Post("/appeals/{id}/route", s.handleRouteAppeal)
		r.Post("/appeals/{id}/unassign", s.handleUnassignAppeal)

		r.Post("/operators", s.handleCreateOperator)
		r.Put("/operators/{id}", s.handleUpdateOperator)

		r.Post("/lead-sources", s.handleCreateLeadSource)
		r.Put("/lead-sources/{id}/operators/{operatorId}", s.handleLinkOperator)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAppealBody struct {
	ID           uuid.UUID `json:"id"`
	LeadID       uuid.UUID `json:"leadId"`
	LeadSourceID uuid.UUID `json:"leadSourceId"`
}

func (s *Server) handleCreateAppeal(w http.ResponseWriter, r *http.Request) {
	var body createAppealBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	appeal, err := s.service.Create(r.Context(), appeals.CreateInput{
		ID:           body.ID,
		LeadID:       body.LeadID,
		LeadSourceID: body.LeadSourceID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, appeal)
}

func (s *Server) handleListAppeals(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.List(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleGetAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appeal, err := s.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, appeal)
}

type updateAppealBody struct {
	Status models.AppealStatus `json:"status"`
}

func (s *Server) handleUpdateAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body updateAppealBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	appeal, err := s.service.UpdateStatus(r.Context(), id, body.Status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, appeal)
}

func (s *Server) handleDeleteAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.Delete(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRouteAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appeal, err := s.service.Route(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, appeal)
}

func (s *Server) handleUnassignAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appeal, err := s.service.Unassign(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, appeal)
}

type operatorBody struct {
	ID                 uuid.UUID             `json:"id"`
	Name               string                `json:"name"`
	Status             models.OperatorStatus `json:"status"`
	ActiveAppealsLimit int                   `json:"activeAppealsLimit"`
}

func (s *Server) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var body operatorBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := s.service.CreateOperator(r.Context(), appeals.OperatorInput{
		ID:                 body.ID,
		Name:               body.Name,
		Status:             body.Status,
		ActiveAppealsLimit: body.ActiveAppealsLimit,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, op)
}

type operatorPatchBody struct {
	Name               *string                `json:"name"`
	Status             *models.OperatorStatus `json:"status"`
	ActiveAppealsLimit *int                   `json:"activeAppealsLimit"`
}

func (s *Server) handleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body operatorPatchBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := s.service.UpdateOperator(r.Context(), id, appeals.OperatorPatch{
		Name:               body.Name,
		Status:             body.Status,
		ActiveAppealsLimit: body.ActiveAppealsLimit,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := s.service.ListOperators(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(ops))
}

func (s *Server) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	op, err := s.service.GetOperator(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

type leadSourceBody struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (s *Server) handleCreateLeadSource(w http.ResponseWriter, r *http.Request) {
	var body leadSourceBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := s.service.CreateLeadSource(r.Context(), body.ID, body.Name)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, src)
}

func (s *Server) handleListLeadSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.service.ListLeadSources(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(sources))
}

type linkBody struct {
	RoutingFactor int `json:"routingFactor"`
}

func (s *Server) handleLinkOperator(w http.ResponseWriter, r *http.Request) {
	leadSourceID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	operatorID, ok := pathID(w, r, "operatorId")
	if !ok {
		return
	}
	var body linkBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	link, err := s.service.LinkOperator(r.Context(), models.LeadSourceOperator{
		LeadSourceID:  leadSourceID,
		OperatorID:    operatorID,
		RoutingFactor: body.RoutingFactor,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, link)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	links, err := s.service.ListLinks(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(links))
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appeals.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appeals.ErrAlreadyAssigned),
		errors.Is(err, appeals.ErrNotRoutable),
		errors.Is(err, appeals.ErrCapacityExceeded),
		errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
