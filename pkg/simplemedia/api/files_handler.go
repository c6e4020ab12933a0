package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// MediaService is the part of *simplemedia.Service the HTTP layer uses.
type MediaService interface {
	Ingest(ctx context.Context, req simplemedia.IngestRequest) (*simplemedia.IngestResult, error)
	IngestFromURL(ctx context.Context, req simplemedia.IngestURLRequest) (*simplemedia.IngestResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*simplemedia.FileRecord, error)
	Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *simplemedia.FileRecord, error)
	List(ctx context.Context, filter simplemedia.FileFilter) (*simplemedia.ListResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	BulkDelete(ctx context.Context, req simplemedia.BulkDeleteRequest) (*simplemedia.BulkDeleteResult, error)
	Reoptimize(ctx context.Context, id uuid.UUID, params *simplemedia.TransformParams) (*simplemedia.FileRecord, error)
	ScanProblems(ctx context.Context, limit int) ([]simplemedia.ProblemReport, error)
	HealthSnapshot(ctx context.Context) (*simplemedia.HealthSnapshot, error)
}

// DefaultMaxUploadBytes bounds multipart uploads.
const DefaultMaxUploadBytes int64 = 32 << 20

// FilesHandler serves the file ingestion and management endpoints
type FilesHandler struct {
	service        MediaService
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewFilesHandler creates a FilesHandler. maxUploadBytes <= 0 uses
// DefaultMaxUploadBytes.
func NewFilesHandler(service MediaService, logger *slog.Logger, maxUploadBytes int64) *FilesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &FilesHandler{
		service:        service,
		logger:         logger.With(slog.String("component", "api.files")),
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes returns the router for files endpoints
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Upload)
	r.Get("/", h.List)
	r.Post("/fetch", h.Fetch)
	r.Post("/bulk-delete", h.BulkDelete)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/content", h.Content)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/reoptimize", h.Reoptimize)
	return r
}

// FetchRequest is the body of POST /files/fetch
type FetchRequest struct {
	URL       string                       `json:"url"`
	AppID     string                       `json:"app_id,omitempty"`
	UserID    string                       `json:"user_id,omitempty"`
	Purpose   string                       `json:"purpose,omitempty"`
	FileName  string                       `json:"filename,omitempty"`
	Metadata  map[string]interface{}       `json:"metadata,omitempty"`
	Transform *simplemedia.TransformParams `json:"transform,omitempty"`
}

// BulkDeleteRequest is the body of POST /files/bulk-delete
type BulkDeleteRequest struct {
	AppID   string `json:"app_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	DryRun  bool   `json:"dry_run"`
}

// FileResponse is the public view of a file record
type FileResponse struct {
	ID                 string                         `json:"id"`
	AppID              string                         `json:"app_id,omitempty"`
	UserID             string                         `json:"user_id,omitempty"`
	Purpose            string                         `json:"purpose,omitempty"`
	FileName           string                         `json:"filename"`
	MimeType           string                         `json:"mime_type"`
	Size               int64                          `json:"size"`
	OriginalSize       int64                          `json:"original_size"`
	Checksum           string                         `json:"checksum"`
	Status             simplemedia.FileStatus         `json:"status"`
	OptimizationStatus simplemedia.OptimizationStatus `json:"optimization_status"`
	OptimizationParams *simplemedia.TransformParams   `json:"optimization_params,omitempty"`
	LastError          string                         `json:"last_error,omitempty"`
	Metadata           map[string]interface{}         `json:"metadata,omitempty"`
	Exif               map[string]interface{}         `json:"exif,omitempty"`
	ContentURL         string                         `json:"content_url"`
	UploadedAt         *time.Time                     `json:"uploaded_at,omitempty"`
	StatusChangedAt    time.Time                      `json:"status_changed_at"`
	CreatedAt          time.Time                      `json:"created_at"`
	UpdatedAt          time.Time                      `json:"updated_at"`
}

// IngestResponse is returned by upload and fetch
type IngestResponse struct {
	File         FileResponse `json:"file"`
	Deduplicated bool         `json:"deduplicated"`
	EnqueueError string       `json:"enqueue_error,omitempty"`
}

// ListResponse is one page of files
type ListResponse struct {
	Files  []FileResponse `json:"files"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// NewFileResponse maps a record onto its public view.
func NewFileResponse(rec *simplemedia.FileRecord) FileResponse {
	return FileResponse{
		ID:                 rec.ID.String(),
		AppID:              rec.AppID,
		UserID:             rec.UserID,
		Purpose:            rec.Purpose,
		FileName:           rec.FileName,
		MimeType:           rec.MimeType,
		Size:               rec.Size,
		OriginalSize:       rec.OriginalSize,
		Checksum:           rec.Checksum,
		Status:             rec.Status,
		OptimizationStatus: rec.OptimizationStatus,
		OptimizationParams: rec.OptimizationParams,
		LastError:          rec.LastError,
		Metadata:           rec.Metadata,
		Exif:               rec.Exif,
		ContentURL:         fmt.Sprintf("/api/v1/files/%s/content", rec.ID),
		UploadedAt:         rec.UploadedAt,
		StatusChangedAt:    rec.StatusChangedAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func newIngestResponse(res *simplemedia.IngestResult) IngestResponse {
	return IngestResponse{
		File:         NewFileResponse(res.File),
		Deduplicated: res.Deduplicated,
		EnqueueError: res.EnqueueError,
	}
}

func ingestStatus(res *simplemedia.IngestResult) int {
	if res.Deduplicated {
		return http.StatusOK
	}
	return http.StatusCreated
}

// Upload ingests a multipart upload. The file part is "file"; scope,
// metadata (JSON) and transform parameters are optional form fields.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			badRequest(w, r, "file", fmt.Sprintf("must be at most %d bytes", h.maxUploadBytes))
			return
		}
		badRequest(w, r, "body", "must be multipart/form-data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "file", "is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("read upload: %w", err))
		return
	}

	scope := simplemedia.Scope{
		AppID:   r.FormValue("app_id"),
		UserID:  r.FormValue("user_id"),
		Purpose: r.FormValue("purpose"),
	}
	fileName := r.FormValue("filename")
	if fileName == "" {
		fileName = header.Filename
	}
	metadata, err := ParseMetadata("metadata", r.FormValue("metadata"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	exif, err := ParseMetadata("exif", r.FormValue("exif"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	transform, err := ParseTransform(r.MultipartForm.Value)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	for _, err := range []error{ValidateScope(scope), ValidateFileName(fileName)} {
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	mimeType := ""
	if ct := header.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
			mimeType = mt
		}
	}

	res, err := h.service.Ingest(r.Context(), simplemedia.IngestRequest{
		Data:      data,
		FileName:  fileName,
		MimeType:  mimeType,
		Scope:     scope,
		Metadata:  metadata,
		Exif:      exif,
		Transform: transform,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("file ingested",
		slog.String("file_id", res.File.ID.String()),
		slog.Bool("deduplicated", res.Deduplicated),
		slog.Int64("size", res.File.OriginalSize))
	render.Status(r, ingestStatus(res))
	render.JSON(w, r, newIngestResponse(res))
}

// Fetch ingests a remote URL
func (h *FilesHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "body", "must be valid JSON")
		return
	}
	if req.URL == "" {
		badRequest(w, r, "url", "is required")
		return
	}
	scope := simplemedia.Scope{AppID: req.AppID, UserID: req.UserID, Purpose: req.Purpose}
	for _, err := range []error{ValidateScope(scope), ValidateFileName(req.FileName)} {
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	res, err := h.service.IngestFromURL(r.Context(), simplemedia.IngestURLRequest{
		URL:       req.URL,
		Scope:     scope,
		Metadata:  req.Metadata,
		FileName:  req.FileName,
		Transform: req.Transform,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.Status(r, ingestStatus(res))
	render.JSON(w, r, newIngestResponse(res))
}

// List returns a filtered, sorted page of files
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := ListResponse{
		Files:  make([]FileResponse, 0, len(page.Files)),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, rec := range page.Files {
		resp.Files = append(resp.Files, NewFileResponse(rec))
	}
	render.JSON(w, r, resp)
}

// Get returns one file
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseFileID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, NewFileResponse(rec))
}

// Content streams the current rendition of a file
func (h *FilesHandler) Content(w http.ResponseWriter, r *http.Request) {
	id, err := ParseFileID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body, rec, err := h.service.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("ETag", `"`+rec.Checksum+`"`)
	disposition := "inline"
	if r.URL.Query().Get("download") == "true" {
		disposition = "attachment"
	}
	if rec.FileName != "" {
		disposition = mime.FormatMediaType(disposition, map[string]string{"filename": rec.FileName})
	}
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("stream content", slog.String("file_id", id.String()), slog.String("error", err.Error()))
	}
}

// Delete deletes one file
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseFileID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reoptimize queues another optimization pass. An empty body applies the
// service defaults.
func (h *FilesHandler) Reoptimize(w http.ResponseWriter, r *http.Request) {
	id, err := ParseFileID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var params *simplemedia.TransformParams
	if r.ContentLength != 0 {
		var p simplemedia.TransformParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			badRequest(w, r, "body", "must be valid JSON")
			return
		}
		if p != (simplemedia.TransformParams{}) {
			params = &p
		}
	}

	rec, err := h.service.Reoptimize(r.Context(), id, params)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, NewFileResponse(rec))
}

// BulkDelete deletes (or with dry_run lists) the ready, failed and missing
// files in a scope
func (h *FilesHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req BulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "body", "must be valid JSON")
		return
	}
	scope := simplemedia.Scope{AppID: req.AppID, UserID: req.UserID, Purpose: req.Purpose}
	if err := ValidateScope(scope); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.service.BulkDelete(r.Context(), simplemedia.BulkDeleteRequest{
		Scope:  scope,
		Limit:  req.Limit,
		DryRun: req.DryRun,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if res.Items == nil {
		res.Items = []simplemedia.BulkDeleteItem{}
	}
	render.JSON(w, r, res)
}
