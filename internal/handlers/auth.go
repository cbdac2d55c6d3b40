package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/escalor/escalor/internal/middleware"
)

// AuthHandler issues JWT tokens for the admin account
type AuthHandler struct {
	jwtAuth *middleware.JWTAuthMiddleware
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtAuth *middleware.JWTAuthMiddleware) *AuthHandler {
	return &AuthHandler{jwtAuth: jwtAuth}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin exchanges credentials for a JWT token
// Route: POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if !h.jwtAuth.ValidateCredentials(req.Username, req.Password) {
		log.Printf("Failed login attempt for user %q from %s", req.Username, r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtAuth.GenerateToken(req.Username)
	if err != nil {
		log.Printf("Error generating token for %s: %v", req.Username, err)
		respondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}
