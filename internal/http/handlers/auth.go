package handlers

import (
	"net/http"
	"time"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/middleware"
	"github.com/quantforum/server/internal/model"
)

// AuthHandler handles registration, login and the account summary
type AuthHandler struct {
	registry *auth.Service
	log      logging.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(registry *auth.Service, log logging.Logger) *AuthHandler {
	return &AuthHandler{registry: registry, log: log}
}

// credentialsRequest is the request body for POST /auth/register and /auth/login
type credentialsRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

type registerResponse struct {
	AccountID     string  `json:"account_id"`
	PublicAddress *string `json:"public_address"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	TokenType string          `json:"token_type"`
	ExpiresAt time.Time       `json:"expires_at"`
	Account   accountResponse `json:"account"`
}

// accountResponse is the account object in API responses
type accountResponse struct {
	ID            string  `json:"id"`
	PublicAddress *string `json:"public_address"`
	Identifier    string  `json:"identifier,omitempty"`
}

func summarize(a model.Account) accountResponse {
	return accountResponse{ID: a.ID.String(), PublicAddress: a.PublicAddress}
}

func (req credentialsRequest) validate() error {
	if err := requiredField("identifier", req.Identifier); err != nil {
		return err
	}
	return requiredField("credential", req.Credential)
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	account, err := h.registry.Register(r.Context(), req.Identifier, req.Credential)
	if err != nil {
		h.log.Info(r.Context(), "registration rejected", "identifier", maskPhone(req.Identifier), "ip", getClientIP(r), "error", err)
		writeError(w, r, h.log, err)
		return
	}

	h.log.Info(r.Context(), "account registered", "account_id", account.ID, "identifier", maskPhone(req.Identifier))
	respondWithJSON(w, http.StatusCreated, registerResponse{
		AccountID:     account.ID.String(),
		PublicAddress: account.PublicAddress,
	})
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	session, err := h.registry.Login(r.Context(), req.Identifier, req.Credential)
	if err != nil {
		h.log.Info(r.Context(), "login failed", "identifier", maskPhone(req.Identifier), "ip", getClientIP(r), "error", err)
		writeError(w, r, h.log, err)
		return
	}

	respondWithJSON(w, http.StatusOK, loginResponse{
		Token:     session.Token,
		TokenType: "bearer",
		ExpiresAt: session.ExpiresAt,
		Account:   summarize(session.Account),
	})
}

// HandleMe handles GET /me (protected). Returns the authenticated account.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		writeError(w, r, h.log, common.ErrUnauthorized)
		return
	}

	account, err := h.registry.Resolve(r.Context(), claims)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	identifier, err := h.registry.RevealIdentifier(account)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	response := summarize(account)
	response.Identifier = maskPhone(identifier)
	respondWithJSON(w, http.StatusOK, response)
}
