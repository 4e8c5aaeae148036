package http

import (
	"net/http"

	"expensewatch/internal/log"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, log.OpSignup, err)
		return
	}

	u, err := s.auth.Signup(r.Context(), sanitizeInput(req.Email), req.Password)
	if err != nil {
		s.writeServiceError(w, r, log.OpSignup, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(u).Write(w)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, log.OpLogin, err)
		return
	}

	token, err := s.auth.Login(r.Context(), sanitizeInput(req.Email), req.Password)
	if err != nil {
		s.writeServiceError(w, r, log.OpLogin, err)
		return
	}
	NewJSONResponse().Body(tokenResponse{Token: token}).Write(w)
}
