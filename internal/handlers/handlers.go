package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/Brownie44l1/forensics-api/internal/logger"
	"github.com/Brownie44l1/forensics-api/internal/service"
	"github.com/Brownie44l1/forensics-api/internal/system"
)

const (
	fileField = "file"

	msgNoFilePart     = "No file part"
	msgNoSelectedFile = "No selected file"
	msgTooLarge       = "File too large"
)

// StatsSource reports process statistics for the health endpoint.
type StatsSource interface {
	Snapshot(ctx context.Context) (system.Stats, error)
}

type Handler struct {
	svc            *service.Service
	stats          StatsSource
	maxUploadBytes int64
}

func NewHandler(svc *service.Service, stats StatsSource, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		stats:          stats,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict_stegano", h.PredictStegano)
	mux.HandleFunc("/ela", h.ELA)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	models := h.svc.Models()
	status := "healthy"
	for _, m := range models {
		if !m.Loaded {
			status = "degraded"
		}
	}

	resp := map[string]any{
		"status": status,
		"models": models,
	}
	if h.stats != nil {
		st, err := h.stats.Snapshot(r.Context())
		if err != nil {
			logger.Warn(r.Context(), "failed to collect system stats", logger.Fields{"error": err.Error()})
		} else {
			resp["system"] = st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	h.predict(w, r, "forgery", h.svc.PredictForgery)
}

func (h *Handler) PredictStegano(w http.ResponseWriter, r *http.Request) {
	h.predict(w, r, "stegano", h.svc.PredictStegano)
}

type predictFunc func(ctx context.Context, img image.Image) (*service.PredictionResult, error)

func (h *Handler) predict(w http.ResponseWriter, r *http.Request, name string, fn predictFunc) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	img, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := fn(r.Context(), img)
	if err != nil {
		h.fail(w, r, name+" prediction failed", err)
		return
	}

	logger.Info(r.Context(), "prediction", logger.Fields{
		"model":      name,
		"label":      result.Label,
		"confidence": result.Confidence,
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ELA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	img, ok := h.readImage(w, r)
	if !ok {
		return
	}

	res, err := h.svc.ELA(r.Context(), img)
	if err != nil {
		h.fail(w, r, "ela failed", err)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Image); err != nil {
		h.fail(w, r, "ela encode failed", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-ELA-Max-Diff", strconv.Itoa(int(res.MaxDiff)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// readImage pulls the "file" part out of the multipart body and decodes it.
// It writes the error response itself and reports whether to continue.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	data, filename, err := h.readUpload(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return nil, false
		}
		h.fail(w, r, "invalid upload", err)
		return nil, false
	}

	logger.Debug(r.Context(), "received file", logger.Fields{"filename": filename, "size": len(data)})

	img, err := h.svc.Decode(bytes.NewReader(data))
	if err != nil {
		h.fail(w, r, "decode failed", err)
		return nil, false
	}
	return img, true
}

// readUpload streams the multipart body until it finds a file part named
// "file". A part without a filename parameter is a plain form value and does
// not count as a file.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", service.Validation(msgNoFilePart)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", service.Validation(msgNoFilePart)
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, "", err
			}
			return nil, "", service.Validation(msgNoFilePart)
		}

		if part.FormName() != fileField {
			part.Close()
			continue
		}
		_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if err != nil {
			part.Close()
			continue
		}
		filename, isFile := params["filename"]
		if !isFile {
			part.Close()
			continue
		}
		if filename == "" {
			part.Close()
			return nil, "", service.Validation(msgNoSelectedFile)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, "", err
			}
			return nil, "", fmt.Errorf("failed to read upload: %w", err)
		}
		return data, filename, nil
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	kind := service.KindOf(err)
	if kind == service.KindValidation {
		logger.Info(r.Context(), msg, logger.Fields{"reason": err.Error()})
	} else {
		logger.Error(r.Context(), msg, err, logger.Fields{"kind": kind.String()})
	}
	writeError(w, kind.Status(), err.Error())
}
