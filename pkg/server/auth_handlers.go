package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/viaiv/jarvis/pkg/auth"
	"github.com/viaiv/jarvis/pkg/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role, IsActive: u.IsActive}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Corpo da requisicao invalido.")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !auth.VerifyPassword(req.Password, user.HashedPassword) {
		httpError(w, http.StatusUnauthorized, "Credenciais invalidas.")
		return
	}
	if !user.IsActive {
		httpError(w, http.StatusForbidden, "Usuario desativado.")
		return
	}

	pair, err := s.signer.MintPair(user.ID, user.Role)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Falha ao gerar tokens.")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "Corpo da requisicao invalido.")
		return
	}

	claims, err := s.signer.Parse(req.RefreshToken)
	if err != nil {
		httpError(w, http.StatusUnauthorized, "Refresh token invalido ou expirado.")
		return
	}
	if claims.Kind != auth.TokenRefresh {
		httpError(w, http.StatusUnauthorized, "Token invalido (tipo incorreto).")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		httpError(w, http.StatusUnauthorized, "Usuario nao encontrado ou desativado.")
		return
	}

	pair, err := s.signer.MintPair(user.ID, user.Role)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Falha ao gerar tokens.")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// currentUser authenticates the request with a bearer access token. On
// failure it writes the error response and returns ok=false.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	user, err := s.authenticate(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, err.Error())
		return store.User{}, false
	}
	return user, true
}

func (s *Server) authenticate(r *http.Request) (store.User, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return store.User{}, errors.New("Credenciais ausentes.")
	}

	claims, err := s.signer.Verify(token, auth.TokenAccess)
	if err != nil {
		return store.User{}, errors.New("Token invalido ou expirado.")
	}

	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		return store.User{}, errors.New("Usuario nao encontrado ou desativado.")
	}
	return user, nil
}

// adminOnly wraps a handler with bearer auth plus an admin role check.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(w, r)
		if !ok {
			return
		}
		if user.Role != "admin" {
			httpError(w, http.StatusForbidden, "Acesso restrito a administradores.")
			return
		}
		next(w, r)
	}
}
