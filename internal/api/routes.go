package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/logging"
)

const (
	maxJSONBody        = 1 << 20
	healthProbeTimeout = 5 * time.Second
	defaultAPIVersion  = "0.1.0"
	multipartFileField = "file"
	edlContentType     = "text/plain; charset=utf-8"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	if cfg.Blobs != nil {
		r.Handle("/blobs/*", http.StripPrefix("/blobs", cfg.Blobs))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))

		r.Post("/sessions", createSessionHandler(cfg))
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", getSessionHandler(cfg))
			r.Delete("/", deleteSessionHandler(cfg))
			r.Post("/input", setInputHandler(cfg))
			r.Post("/transcribe", transcribeHandler(cfg))
			r.Get("/transcribe/status", transcribeStatusHandler(cfg))
			r.Post("/highlights/select", selectHighlightsHandler(cfg))
			r.Put("/highlights/{index}", updateHighlightHandler(cfg))
			r.Post("/highlights/{index}/regenerate", regenerateHighlightHandler(cfg))
			r.Post("/highlights/{index}/preview", previewHandler(cfg))
			r.Post("/approve", approveHandler(cfg))
			r.Post("/remove", removeHandler(cfg))
			r.Post("/render", renderHandler(cfg))
			r.Get("/outputs", outputsHandler(cfg))
			r.Get("/download", downloadHandler(cfg))
			r.Get("/highlights.edl", edlHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := cfg.Version
		if version == "" {
			version = defaultAPIVersion
		}
		resp := HealthResponse{
			Status:  "ok",
			Version: version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		h, err := cfg.Pipeline.Health(ctx)
		switch {
		case err != nil:
			resp.Status = "degraded"
			resp.Worker = &WorkerHealth{Status: "unreachable", Error: err.Error()}
		case h != nil:
			resp.Worker = &WorkerHealth{Status: h.Status, Version: h.Version}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		sess, err := cfg.Pipeline.CreateSession(r.Context(), req.Options())
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, sess)
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := cfg.Pipeline.GetStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func deleteSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Pipeline.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// setInputHandler accepts a multipart upload in the "file" field or a
// JSON body with a url.
func setInputHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		if mediaType != "multipart/form-data" {
			var req InputURLRequest
			if !decodeBody(w, r, &req, false) {
				return
			}
			sess, err := cfg.Pipeline.SetInputURL(r.Context(), id, req.URL)
			if err != nil {
				writeServiceError(w, cfg.Logger, err)
				return
			}
			WriteJSON(w, http.StatusOK, sess)
			return
		}

		if cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				WriteError(w, http.StatusBadRequest, "multipart field \"file\" is required", "BAD_REQUEST")
				return
			}
			if err != nil {
				writeUploadError(w, err)
				return
			}
			if part.FormName() != multipartFileField {
				part.Close()
				continue
			}

			sess, err := cfg.Pipeline.SetInputFile(r.Context(), id, part.FileName(), part)
			part.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeUploadError(w, err)
					return
				}
				writeServiceError(w, cfg.Logger, err)
				return
			}
			WriteJSON(w, http.StatusOK, sess)
			return
		}
	}
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit", "TOO_LARGE")
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
}

func transcribeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TranscribeRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		view, err := cfg.Pipeline.Transcribe(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Language))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, view)
	}
}

func transcribeStatusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := cfg.Pipeline.PollTranscription(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func selectHighlightsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		sess, err := cfg.Pipeline.SelectHighlights(r.Context(), chi.URLParam(r, "id"), req.Options())
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func updateHighlightHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		var req UpdateHighlightRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		sess, err := cfg.Pipeline.UpdateHighlight(r.Context(), chi.URLParam(r, "id"), index, *req.Start, *req.End, req.Title)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func regenerateHighlightHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		var req SelectRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		sess, err := cfg.Pipeline.RegenerateHighlight(r.Context(), chi.URLParam(r, "id"), index, req.Options())
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func previewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		url, err := cfg.Pipeline.Preview(r.Context(), chi.URLParam(r, "id"), index)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PreviewResponse{URL: url})
	}
}

func approveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IndexesRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		sess, err := cfg.Pipeline.Approve(r.Context(), chi.URLParam(r, "id"), req.Indexes)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func removeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IndexesRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		sess, err := cfg.Pipeline.Remove(r.Context(), chi.URLParam(r, "id"), req.Indexes)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func renderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RenderRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		sess, err := cfg.Pipeline.Render(r.Context(), chi.URLParam(r, "id"), req.Indexes)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func outputsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		indexes, err := queryIndexes(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}
		id := chi.URLParam(r, "id")
		items, err := cfg.Pipeline.GetOutputs(r.Context(), id, indexes)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, OutputsResponse{SessionID: id, Items: items})
	}
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fps := 0.0
		if v := r.URL.Query().Get("fps"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 || f > 120 {
				WriteError(w, http.StatusBadRequest, "fps must be a number in (0, 120]", "BAD_REQUEST")
				return
			}
			fps = f
		}
		id := chi.URLParam(r, "id")
		edl, err := cfg.Pipeline.ExportEDL(r.Context(), id, fps)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.Header().Set("Content-Type", edlContentType)
		w.Header().Set("Content-Disposition", delivery.ContentDisposition(id+".edl"))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, edl)
	}
}

// decodeBody decodes and validates a JSON body. With optional set an
// empty body leaves dst at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, validationMessage(err), "BAD_REQUEST")
		return false
	}
	return true
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		WriteError(w, http.StatusBadRequest, "highlight index must be a non-negative integer", "BAD_REQUEST")
		return 0, false
	}
	return index, true
}

// queryIndexes reads repeated "index" values and a comma separated
// "indexes" list.
func queryIndexes(r *http.Request) ([]int, error) {
	q := r.URL.Query()
	raw := append([]string(nil), q["index"]...)
	for _, list := range q["indexes"] {
		raw = append(raw, strings.Split(list, ",")...)
	}

	var out []int
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			return nil, errors.New("indexes must be non-negative integers")
		}
		out = append(out, i)
	}
	return out, nil
}
