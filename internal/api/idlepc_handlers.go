package api

import (
	"encoding/json"
	"net/http"

	"github.com/martinsuchenak/emud/internal/idlepc"
	"github.com/martinsuchenak/emud/internal/model"
)

// idlePCProposals handles GET .../idlepc_proposals: the running backend
// is sampled for candidate values, best first. An empty list just means
// the node was not busy enough to rank anything.
func (h *Handler) idlePCProposals(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	candidates, err := idlepc.Propose(r.Context(), n)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, candidates)
}

// autoIdlePC handles GET .../auto_idlepc: sample, pick the best
// candidate, and apply it in one round trip.
func (h *Handler) autoIdlePC(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	value, err := idlepc.AutoSelect(r.Context(), n)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, model.IdlePC{IdlePC: value})
}

// applyIdlePC handles POST .../idlepc: an explicit value is validated by
// the backend and stored for the next start.
func (h *Handler) applyIdlePC(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}

	var req model.IdlePC
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdlePC == "" {
		h.writeError(w, http.StatusBadRequest, "idlepc is required")
		return
	}

	if err := idlepc.Apply(n, req.IdlePC); err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}
