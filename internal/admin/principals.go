package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// PrincipalResponse is a principal in API responses. The key hash is never
// returned.
type PrincipalResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Kind      storage.PrincipalKind `json:"kind"`
	SubjectID string                `json:"subjectId,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

func principalResponse(p *storage.Principal) PrincipalResponse {
	return PrincipalResponse{ID: p.ID, Name: p.Name, Kind: p.Kind, SubjectID: p.SubjectID, CreatedAt: p.CreatedAt}
}

// CreatePrincipalRequest is the body of POST /api/principals.
type CreatePrincipalRequest struct {
	Name      string                `json:"name"`
	Kind      storage.PrincipalKind `json:"kind"`
	SubjectID string                `json:"subjectId,omitempty"`
}

// CreatePrincipalResponse includes the API key, shown only once.
type CreatePrincipalResponse struct {
	PrincipalResponse
	Key string `json:"key"`
}

// HandleListPrincipals returns every principal.
// GET /api/principals
func (h *Handler) HandleListPrincipals(w http.ResponseWriter, r *http.Request) {
	principals, err := h.storage.ListPrincipals(r.Context())
	if err != nil {
		h.logger.Error("failed to list principals", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}
	out := make([]PrincipalResponse, 0, len(principals))
	for _, p := range principals {
		out = append(out, principalResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreatePrincipal creates a principal and returns its new key.
// POST /api/principals
// Body: {"name": "...", "kind": "admin|storyteller|site|reviewer", "subjectId": "..."}
func (h *Handler) HandleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req CreatePrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "name is required")
		return
	}

	switch req.Kind {
	case storage.PrincipalAdmin, storage.PrincipalReviewer:
		if req.SubjectID != "" {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "subjectId is only valid for storyteller and site keys")
			return
		}
	case storage.PrincipalStoryteller, storage.PrincipalSite:
		if req.SubjectID == "" {
			WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest, "subjectId is required",
				"Set subjectId to the storyteller ID or site ID this key acts for")
			return
		}
	default:
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"invalid kind (must be: admin, storyteller, site, reviewer)")
		return
	}

	// While unconfigured the bootstrap key may only create the first admin.
	if h.bootstrap != nil && req.Kind != storage.PrincipalAdmin {
		state, err := h.bootstrap.GetState(r.Context())
		if err != nil {
			h.logger.Error("failed to read bootstrap state", "error", err)
			WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
			return
		}
		if state == auth.StateUnconfigured {
			WriteErrorWithHint(w, http.StatusUnprocessableEntity, ErrCodeNoAdminPrincipalExists,
				"the first principal must be an admin",
				"Create an admin key first, then use it to create other keys")
			return
		}
	}

	key, err := auth.NewKey()
	if err != nil {
		h.logger.Error("failed to generate key", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}
	p, err := h.storage.CreatePrincipal(r.Context(), req.Name, req.Kind, req.SubjectID, auth.HashKey(key))
	if err != nil {
		h.logger.Error("failed to create principal", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}

	h.logger.Info("principal created", "id", p.ID, "name", p.Name, "kind", p.Kind,
		"by", auth.PrincipalFromContext(r.Context()).ID)
	writeJSON(w, http.StatusCreated, CreatePrincipalResponse{PrincipalResponse: principalResponse(p), Key: key})
}

// HandleDeletePrincipal deletes a principal. The last admin cannot be removed.
// DELETE /api/principals/{id}
func (h *Handler) HandleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	principals, err := h.storage.ListPrincipals(r.Context())
	if err != nil {
		h.logger.Error("failed to list principals", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}

	var target *storage.Principal
	admins := 0
	for _, p := range principals {
		if p.Kind == storage.PrincipalAdmin {
			admins++
		}
		if p.ID == id {
			target = p
		}
	}
	if target == nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "principal not found")
		return
	}
	if target.Kind == storage.PrincipalAdmin && admins == 1 {
		WriteErrorWithHint(w, http.StatusConflict, ErrCodeCannotDeleteLastAdmin,
			"cannot delete the last admin principal",
			"Create another admin key before deleting this one")
		return
	}

	if err := h.storage.DeletePrincipal(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeNotFound, "principal not found")
			return
		}
		h.logger.Error("failed to delete principal", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}
	h.logger.Info("principal deleted", "id", id, "by", auth.PrincipalFromContext(r.Context()).ID)
	w.WriteHeader(http.StatusNoContent)
}
