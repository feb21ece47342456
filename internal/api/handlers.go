package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
	"github.com/LeventeLantos/wa-bulk-sender/internal/service"
)

const maxUploadBytes = 32 << 20

type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.Submission, error)
}

type JobReader interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context, limit, offset int) ([]model.JobSummary, error)
}

type EventHandler interface {
	Handle(ctx context.Context, ev service.StatusEvent) (service.Outcome, error)
}

type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret string
}

type Handler struct {
	jobs    Submitter
	store   JobReader
	events  EventHandler
	webhook WebhookConfig
	log     *slog.Logger
}

func NewHandler(jobs Submitter, store JobReader, events EventHandler, webhook WebhookConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{jobs: jobs, store: store, events: events, webhook: webhook, log: log}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type submitJobRequest struct {
	Rows      [][]string                   `json:"rows"`
	Body      string                       `json:"body"`
	Variables map[string]map[string]string `json:"variables"`
}

type submitJobResponse struct {
	JobID   string `json:"jobId"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Upload accepts a multipart CSV in the "csv" field and an optional
// free-text "body".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("csv")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing csv file")
		return
	}
	defer file.Close()

	rows, err := parseRecipientsCSV(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.submit(w, r, service.SubmitRequest{Rows: rows, Body: r.FormValue("body")})
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	h.submit(w, r, service.SubmitRequest{Rows: req.Rows, Body: req.Body, Vars: req.Variables})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req service.SubmitRequest) {
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "no recipients")
		return
	}

	sub, err := h.jobs.Submit(r.Context(), req)
	if errors.Is(err, service.ErrDispatcherClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.log.Error("job submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:   sub.JobID,
		Total:   sub.Total,
		Message: "job queued for " + strconv.Itoa(sub.Total) + " recipients",
	})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.JobSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, repo.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*model.Job
		Counts model.Counts `json:"counts"`
	}{job, job.Counts()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
