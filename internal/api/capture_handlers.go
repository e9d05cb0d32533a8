package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/model"
)

// startCapture handles POST .../capture/start. The capture file lands in
// the project's capture directory; the response carries its full path.
func (h *Handler) startCapture(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}

	var req model.NodeCapture
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	linkType, err := capture.LinkTypeFromDLT(req.DataLinkType)
	if err != nil {
		h.respondError(w, err)
		return
	}

	fileName := req.CaptureFileName
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%d-%d.pcap", n.Name(), adapter, port)
	}
	// The file name is caller-supplied; strip any path components so the
	// capture cannot escape the project directory.
	fileName = filepath.Base(fileName)
	path := filepath.Join(h.nodes.CaptureDir(n.ProjectID()), fileName)

	if err := n.StartCapture(adapter, port, path, linkType); err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"pcap_file_path": path})
}

// stopCapture handles POST .../capture/stop
func (h *Handler) stopCapture(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}
	if err := n.StopCapture(adapter, port); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamCapture handles GET .../capture/stream: the pcap file is served
// as it grows, flushed chunk by chunk so live tools see frames promptly.
func (h *Handler) streamCapture(w http.ResponseWriter, r *http.Request) {
	n, adapter, port, ok := h.lookupSlot(w, r)
	if !ok {
		return
	}

	stream, err := n.CaptureStream(adapter, port)
	if err != nil {
		h.respondError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		nn, rerr := stream.Read(buf)
		if nn > 0 {
			if _, werr := w.Write(buf[:nn]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			return
		}
		if r.Context().Err() != nil {
			return
		}
	}
}
