package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ci-forge/engine/internal/cache"
	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/store"
)

// handleGetLog streams a branch's live log if one is currently registered
// (SSE, in the flush-per-chunk style of the teacher's sse.go), otherwise
// falls back to the persisted log leaf the cache wrote when the build
// finished (§6: "store() allows the web layer to serve saved logs
// directly").
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "*")

	if s.livelogs != nil {
		if log, ok := s.livelogs.Lookup(branch); ok {
			s.streamLiveLog(w, r, log)
			return
		}
	}

	st, err := s.api.Store(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	head, err := st.Branch(branch).Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if head == nil {
		writeError(w, http.StatusNotFound, "no log for that branch")
		return
	}
	data, err := head.Tree().ReadFile(r.Context(), cache.LogLeaf)
	if err != nil {
		if store.IsNoEntry(err) {
			writeError(w, http.StatusNotFound, "no log for that branch")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) streamLiveLog(w http.ResponseWriter, r *http.Request, log *livelog.Log) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range log.Stream(r.Context()) {
		if frame.End {
			fmt.Fprint(w, "event: end\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		data, _ := json.Marshal(map[string]string{"chunk": string(frame.Data)})
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
		flusher.Flush()
	}
}
