package userservice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type errorResponse struct {
	Error string `json:"error"`
}

// Routes mounts the read side of the user collection on r:
//
//	GET /users?page=1&limit=20&role=USER
//	GET /users/{id}
func (s *Service) Routes(r chi.Router) {
	r.Get("/users", s.handleListUsers)
	r.Get("/users/{id}", s.handleGetUser)
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := s.ListUsers(r.Context(), r.URL.Query().Get("role"), page)
	switch {
	case errors.Is(err, store.ErrInvalidPage):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("list users", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	case result == nil:
		result = &store.PageResult[domain.User]{Page: page.Page, Limit: page.Limit}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.GetUser(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Error("get user", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		writeJSON(w, http.StatusOK, user)
	}
}

func pageFromQuery(r *http.Request) (store.Page, error) {
	page := store.Page{Page: 1, Limit: defaultPageLimit}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return page, errors.New("page must be a number")
		}
		page.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return page, errors.New("limit must be a number")
		}
		page.Limit = min(n, maxPageLimit)
	}
	return page, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
