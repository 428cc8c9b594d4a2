package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/custody"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/middleware"
	"github.com/quantforum/server/internal/obs"
)

// WalletHandler provisions custodial keys
type WalletHandler struct {
	registry  *auth.Service
	custodian *custody.Custodian
	metrics   *obs.Metrics
	log       logging.Logger
}

func NewWalletHandler(registry *auth.Service, custodian *custody.Custodian, metrics *obs.Metrics, log logging.Logger) *WalletHandler {
	return &WalletHandler{registry: registry, custodian: custodian, metrics: metrics, log: log}
}

type provisionRequest struct {
	AccountID string `json:"account_id"`
}

type provisionResponse struct {
	PublicAddress string `json:"public_address"`
	Created       bool   `json:"created"`
	// Token carries the new address claim
	Token string `json:"token"`
}

// HandleProvision handles POST /wallet
func (h *WalletHandler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		writeError(w, r, h.log, common.ErrUnauthorized)
		return
	}

	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	requested, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, r, h.log, common.Validationf("account_id must be a UUID"))
		return
	}

	account, err := h.registry.Resolve(r.Context(), claims)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if account.ID != requested {
		h.metrics.SecurityEvent(obs.EventIdentityMismatch)
		h.log.Error(r.Context(), "provisioning requested for another account",
			"security_event", obs.EventIdentityMismatch, "account_id", account.ID, "requested", requested)
		writeError(w, r, h.log, common.ErrIdentityMismatch)
		return
	}

	p, err := h.custodian.Provision(r.Context(), account)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	address := p.Address
	account.PublicAddress = &address
	session, err := h.registry.IssueSession(account)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if p.Created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, provisionResponse{
		PublicAddress: p.Address,
		Created:       p.Created,
		Token:         session.Token,
	})
}
