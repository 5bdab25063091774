package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
)

// downloadHandler serves one output as a redirect or a stream, or many as
// a JSON list or a zip archive. No index means every output.
//
//	?index=2&mode=redirect|stream
//	?indexes=0,1,3&format=json|zip
func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		indexes, err := queryIndexes(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		q := r.URL.Query()
		mode, format := q.Get("mode"), q.Get("format")
		single := len(indexes) == 1

		switch {
		case single && mode != "" && mode != "redirect" && mode != "stream":
			WriteError(w, http.StatusBadRequest, "mode must be redirect or stream", "BAD_REQUEST")
			return
		case !single && format != "" && format != "json" && format != "zip":
			WriteError(w, http.StatusBadRequest, "format must be json or zip", "BAD_REQUEST")
			return
		}

		id := chi.URLParam(r, "id")
		items, err := cfg.Pipeline.GetOutputs(r.Context(), id, indexes)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		if single {
			serveOne(cfg, w, r, items[0], mode)
			return
		}

		if format != "zip" {
			WriteJSON(w, http.StatusOK, OutputsResponse{SessionID: id, Items: items})
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", delivery.ContentDisposition(id+"_clips.zip"))
		w.Header().Set("Cache-Control", "no-store")
		sw := &startedWriter{ResponseWriter: w}
		n, err := cfg.Delivery.WriteZip(r.Context(), sw, items)
		if err != nil {
			cfg.Logger.Warn("zip stream aborted", "session_id", id, "entries", n, "error", err)
			if !sw.started {
				w.Header().Del("Content-Disposition")
				writeServiceError(w, cfg.Logger, err)
			}
			return
		}
		cfg.Logger.Info("zip delivered", "session_id", id, "entries", n, "requested", len(items))
	}
}

func serveOne(cfg ServerConfig, w http.ResponseWriter, r *http.Request, item delivery.Item, mode string) {
	if mode != "stream" {
		cfg.Delivery.Redirect(w, r, item)
		return
	}
	sw := &startedWriter{ResponseWriter: w}
	if err := cfg.Delivery.Stream(sw, r, item); err != nil {
		cfg.Logger.Warn("output stream failed", "index", item.Index, "error", err)
		if !sw.started {
			WriteError(w, http.StatusBadGateway, "output could not be fetched", "UPSTREAM_ERROR")
		}
	}
}

// startedWriter records whether a response has begun.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(status int) {
	w.started = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *startedWriter) Write(p []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(p)
}
