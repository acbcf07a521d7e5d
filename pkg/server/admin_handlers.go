package server

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/viaiv/jarvis/pkg/store"
)

type userCreateRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type userUpdateRequest struct {
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

type passwordUpdateRequest struct {
	Password string `json:"password"`
}

type threadSummaryResponse struct {
	ThreadID string  `json:"thread_id"`
	UserID   *int64  `json:"user_id"`
	Username *string `json:"username"`
}

type threadListResponse struct {
	Threads []threadSummaryResponse `json:"threads"`
	Total   int                     `json:"total"`
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "ID de usuario invalido.")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	responses := make([]userResponse, 0, len(users))
	for _, u := range users {
		responses = append(responses, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Email == "" || req.Password == "" {
		httpError(w, http.StatusBadRequest, "Campos username, email e password sao obrigatorios.")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, req.Email, req.Password, req.Role)
	if errors.Is(err, store.ErrConflict) {
		httpError(w, http.StatusConflict, "Username ou email ja existe.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	user, err := s.store.GetUserByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req userUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Corpo da requisicao invalido.")
		return
	}

	user, err := s.store.UpdateUser(r.Context(), id, store.UserUpdate{
		Email:    req.Email,
		Role:     req.Role,
		IsActive: req.IsActive,
	})
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}
	if errors.Is(err, store.ErrConflict) {
		httpError(w, http.StatusConflict, "Username ou email ja existe.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req passwordUpdateRequest
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		httpError(w, http.StatusBadRequest, "Campo password e obrigatorio.")
		return
	}

	err := s.store.UpdateUserPassword(r.Context(), id, req.Password)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUserConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetUserByID(r.Context(), id); err != nil {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}
	config, err := s.store.UserConfig(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleSetUserConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetUserByID(r.Context(), id); err != nil {
		httpError(w, http.StatusNotFound, "Usuario nao encontrado.")
		return
	}

	var updates map[string]any
	if err := decodeJSON(r, &updates); err != nil {
		httpError(w, http.StatusBadRequest, "Corpo da requisicao invalido.")
		return
	}
	if len(updates) > 0 {
		if err := s.store.SetUserConfig(r.Context(), id, updates); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	config, err := s.store.UserConfig(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.store.GlobalConfig(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleSetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := decodeJSON(r, &updates); err != nil {
		httpError(w, http.StatusBadRequest, "Corpo da requisicao invalido.")
		return
	}
	if len(updates) > 0 {
		if err := s.store.SetGlobalConfig(r.Context(), updates); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	config, err := s.store.GlobalConfig(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	var userID *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "Parametro user_id invalido.")
			return
		}
		userID = &parsed
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	threads, total, err := s.store.ListThreads(r.Context(), userID, limit, offset)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]threadSummaryResponse, 0, len(threads))
	for _, t := range threads {
		summary := threadSummaryResponse{ThreadID: t.ThreadID, UserID: t.UserID}
		if t.UserID != nil {
			if user, err := s.store.GetUserByID(r.Context(), *t.UserID); err == nil {
				username := user.Username
				summary.Username = &username
			}
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, threadListResponse{Threads: summaries, Total: total})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	messages, err := s.store.ThreadMessages(r.Context(), threadID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "messages": messages})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
