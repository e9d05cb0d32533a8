package api

import (
	"net/http"

	"nhooyr.io/websocket"

	"github.com/martinsuchenak/emud/internal/console"
	"github.com/martinsuchenak/emud/internal/log"
)

// consoleWS handles GET .../console/ws: the client's websocket is bridged
// onto the node's console transport. Many viewers may attach at once.
func (h *Handler) consoleWS(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	bridge, err := n.Console()
	if err != nil {
		h.respondError(w, err)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("console websocket accept failed", "node_id", n.ID(), "error", err)
		return
	}

	ctx := r.Context()
	conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
	if err := console.Serve(ctx, bridge, conn); err != nil {
		log.Debug("console session ended", "node_id", n.ID(), "error", err)
		c.Close(websocket.StatusInternalError, "console transport lost")
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}

// resetConsole handles POST .../console/reset: the console transport is
// torn down and every attached viewer disconnected.
func (h *Handler) resetConsole(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookupNode(w, r)
	if !ok {
		return
	}
	n.ResetConsole()
	w.WriteHeader(http.StatusNoContent)
}
