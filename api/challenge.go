package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

// ChallengeRequest is the optional body of POST /v1/challenge. Without an
// identity the caller's own identity is taken from the request.
type ChallengeRequest struct {
	Identity string `json:"identity,omitempty"`
}

// VerifyRequest is the body of POST /v1/challenge/verify.
type VerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Solution    string `json:"solution"`
}

// VerifyResponse reports a solved challenge.
type VerifyResponse struct {
	Verified bool `json:"verified"`
	threatfence.ChallengeResult
}

// IssueChallenge handles POST /v1/challenge.
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Identity == "" {
		if req.Identity, err = h.engine.KeyExtractor()(r); err != nil {
			h.sendError(w, http.StatusBadRequest, threatfence.ReasonMissingIdentity, err.Error())
			return
		}
	}

	challenge, err := h.engine.IssueChallenge(req.Identity)
	if err != nil {
		if errors.Is(err, threatfence.ErrInvalidKey) {
			h.sendError(w, http.StatusBadRequest, threatfence.ReasonMissingIdentity, err.Error())
			return
		}
		h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.sendJSON(w, http.StatusCreated, challenge)
}

// VerifyChallenge handles POST /v1/challenge/verify.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.ChallengeID == "" {
		h.sendError(w, http.StatusBadRequest, "missing_challenge", "challenge_id is required")
		return
	}

	result, err := h.engine.VerifyChallenge(req.ChallengeID, req.Solution)
	switch {
	case err == nil:
		h.sendJSON(w, http.StatusOK, VerifyResponse{Verified: true, ChallengeResult: result})
	case errors.Is(err, threatfence.ErrChallengeNotFound):
		h.sendError(w, http.StatusNotFound, "challenge_not_found", err.Error())
	case errors.Is(err, threatfence.ErrChallengeExpired):
		h.sendError(w, http.StatusGone, "challenge_expired", err.Error())
	case errors.Is(err, threatfence.ErrChallengeFailed):
		h.sendError(w, http.StatusUnprocessableEntity, "challenge_failed", err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
