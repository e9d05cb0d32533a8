package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/idlepc"
	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/model"
	"github.com/martinsuchenak/emud/internal/nio"
	"github.com/martinsuchenak/emud/internal/node"
)

// Handler handles HTTP requests
type Handler struct {
	nodes *node.Manager
}

// NewHandler creates a new API handler
func NewHandler(nodes *node.Manager) *Handler {
	return &Handler{nodes: nodes}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Node CRUD
	mux.HandleFunc("POST /api/projects/{project_id}/nodes", h.createNode)
	mux.HandleFunc("GET /api/projects/{project_id}/nodes", h.listNodes)
	mux.HandleFunc("GET /api/projects/{project_id}/nodes/{node_id}", h.getNode)
	mux.HandleFunc("PUT /api/projects/{project_id}/nodes/{node_id}", h.updateNode)
	mux.HandleFunc("DELETE /api/projects/{project_id}/nodes/{node_id}", h.deleteNode)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/duplicate", h.duplicateNode)

	// Lifecycle
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/start", h.startNode)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/stop", h.stopNode)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/suspend", h.suspendNode)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/resume", h.resumeNode)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/reload", h.reloadNode)

	// Adapter/port NIO bindings
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/nio", h.createNIO)
	mux.HandleFunc("PUT /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/nio", h.replaceNIO)
	mux.HandleFunc("DELETE /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/nio", h.deleteNIO)

	// Packet capture
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/capture/start", h.startCapture)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/capture/stop", h.stopCapture)
	mux.HandleFunc("GET /api/projects/{project_id}/nodes/{node_id}/adapters/{adapter_number}/ports/{port_number}/capture/stream", h.streamCapture)

	// Console
	mux.HandleFunc("GET /api/projects/{project_id}/nodes/{node_id}/console/ws", h.consoleWS)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/console/reset", h.resetConsole)

	// Idle-PC
	mux.HandleFunc("GET /api/projects/{project_id}/nodes/{node_id}/idlepc_proposals", h.idlePCProposals)
	mux.HandleFunc("GET /api/projects/{project_id}/nodes/{node_id}/auto_idlepc", h.autoIdlePC)
	mux.HandleFunc("POST /api/projects/{project_id}/nodes/{node_id}/idlepc", h.applyIdlePC)
}

// createNode handles POST /api/projects/{project_id}/nodes
func (h *Handler) createNode(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")

	var req model.NodeCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.NodeType == "" {
		h.writeError(w, http.StatusBadRequest, "node_type is required")
		return
	}

	n, err := h.nodes.Create(projectID, req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, n.Snapshot())
}

// listNodes handles GET /api/projects/{project_id}/nodes
func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")

	nodes := h.nodes.List(projectID)
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, out)
}

// getNode handles GET /api/projects/{project_id}/nodes/{node_id}
func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, n.Snapshot())
}

// updateNode handles PUT /api/projects/{project_id}/nodes/{node_id}
func (h *Handler) updateNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}

	var req model.NodeUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		if err := h.nodes.Rename(n, *req.Name); err != nil {
			h.respondError(w, err)
			return
		}
	}
	if len(req.Properties) > 0 {
		if err := n.UpdateSettings(req.Properties); err != nil {
			h.respondError(w, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, n.Snapshot())
}

// deleteNode handles DELETE /api/projects/{project_id}/nodes/{node_id}.
// The node's detached NIOs are destroyed with it.
func (h *Handler) deleteNode(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	nodeID := r.PathValue("node_id")

	nios, err := h.nodes.Delete(projectID, nodeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	for _, en := range nios {
		if err := h.nodes.NIOs().Delete(en.ID()); err != nil {
			log.Warn("deleting detached NIO failed", "nio_id", en.ID(), "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// duplicateNode handles POST /api/projects/{project_id}/nodes/{node_id}/duplicate
func (h *Handler) duplicateNode(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	nodeID := r.PathValue("node_id")

	var req model.NodeDuplicate
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	dup, err := h.nodes.Duplicate(projectID, nodeID, req.DestinationNodeID, req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, dup.Snapshot())
}

// startNode handles POST .../start
func (h *Handler) startNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	if err := n.Start(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stopNode handles POST .../stop
func (h *Handler) stopNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	if err := n.Stop(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// suspendNode handles POST .../suspend
func (h *Handler) suspendNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	if err := n.Suspend(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeNode handles POST .../resume
func (h *Handler) resumeNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	if err := n.Resume(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reloadNode handles POST .../reload
func (h *Handler) reloadNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	if err := n.Reload(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupNode resolves the node named by the request path, writing the
// error response itself when the node does not exist.
func (h *Handler) lookupNode(w http.ResponseWriter, r *http.Request) (*node.Node, bool) {
	projectID := r.PathValue("project_id")
	nodeID := r.PathValue("node_id")
	n, err := h.nodes.Get(projectID, nodeID)
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	return n, true
}

// respondError maps domain errors onto HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, node.ErrNotFound),
		errors.Is(err, nio.ErrNotFound),
		errors.Is(err, node.ErrNoNIO),
		errors.Is(err, node.ErrSlotEmpty),
		errors.Is(err, capture.ErrNotCapturing):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, node.ErrConflict),
		errors.Is(err, node.ErrInvalidState),
		errors.Is(err, node.ErrSlotOccupied),
		errors.Is(err, node.ErrUnsupported),
		errors.Is(err, capture.ErrAlreadyCapturing),
		errors.Is(err, idlepc.ErrNoCandidate):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nio.ErrValidation),
		errors.Is(err, node.ErrOutOfRange),
		errors.Is(err, node.ErrUnknownKind),
		errors.Is(err, backend.ErrInvalidSetting),
		errors.Is(err, capture.ErrUnknownLinkType):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, err)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}
