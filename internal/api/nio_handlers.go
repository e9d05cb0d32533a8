package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/model"
	"github.com/martinsuchenak/emud/internal/nio"
	"github.com/martinsuchenak/emud/internal/node"
)

// createNIO handles POST .../adapters/{adapter_number}/ports/{port_number}/nio.
// The NIO is created in the registry and bound to the slot in one request;
// a bind failure destroys the fresh NIO so nothing leaks.
func (h *Handler) createNIO(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}

	desc, ok := h.decodeNIO(w, r)
	if !ok {
		return
	}

	en, err := h.nodes.NIOs().Create(desc)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := n.BindNIO(adapter, port, en); err != nil {
		h.nodes.NIOs().Delete(en.ID())
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, nioToModel(en))
}

// replaceNIO handles PUT .../nio: the slot's NIO is swapped for a fresh
// one and the displaced NIO is destroyed.
func (h *Handler) replaceNIO(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}

	desc, ok := h.decodeNIO(w, r)
	if !ok {
		return
	}

	en, err := h.nodes.NIOs().Create(desc)
	if err != nil {
		h.respondError(w, err)
		return
	}
	old, err := n.ReplaceNIO(adapter, port, en)
	if err != nil {
		h.nodes.NIOs().Delete(en.ID())
		h.respondError(w, err)
		return
	}
	if err := h.nodes.NIOs().Delete(old.ID()); err != nil {
		log.Warn("deleting replaced NIO failed", "nio_id", old.ID(), "error", err)
	}
	h.writeJSON(w, http.StatusCreated, nioToModel(en))
}

// deleteNIO handles DELETE .../nio: the slot is emptied and the NIO
// destroyed.
func (h *Handler) deleteNIO(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}

	old, err := n.UnbindNIO(adapter, port)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.nodes.NIOs().Delete(old.ID()); err != nil {
		log.Warn("deleting unbound NIO failed", "nio_id", old.ID(), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupSlot resolves the node and the adapter/port coordinates from the
// request path.
func (h *Handler) lookupSlot(w http.ResponseWriter, r *http.Request) (*node.Node, int, int, bool) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return nil, 0, 0, false
	}
	adapter, err := strconv.Atoi(r.PathValue("adapter_number"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "adapter_number must be an integer")
		return nil, 0, 0, false
	}
	port, err := strconv.Atoi(r.PathValue("port_number"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "port_number must be an integer")
		return nil, 0, 0, false
	}
	return n, adapter, port, true
}

func (h *Handler) decodeNIO(w http.ResponseWriter, r *http.Request) (nio.Descriptor, bool) {
	var req model.NIO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return nio.Descriptor{}, false
	}
	return nio.Descriptor{
		Kind:       nio.Kind(req.Type),
		LocalPort:  req.LPort,
		RemoteHost: req.RHost,
		RemotePort: req.RPort,
		Filters:    req.Filters,
	}, true
}

func nioToModel(en *nio.NIO) *model.NIO {
	desc := en.Descriptor()
	return &model.NIO{
		ID:      en.ID(),
		Type:    en.Kind(),
		LPort:   desc.LocalPort,
		RHost:   desc.RemoteHost,
		RPort:   desc.RemotePort,
		Filters: desc.Filters,
	}
}
