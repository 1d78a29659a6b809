package handlers

import (
	"context"
	"errors"
	"image"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
	"github.com/Brownie44l1/rdd-api/internal/storage"
)

// Detector runs the detection pipeline on a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, sink pipeline.Sink, artifactName string) (*pipeline.Result, error)
}

// ReportStore persists detection reports.
type ReportStore interface {
	Save(ctx context.Context, r *storage.Report) error
	Get(ctx context.Context, id string) (*storage.Report, error)
	ListByUser(ctx context.Context, userID string) ([]storage.Report, error)
	List(ctx context.Context, status storage.Status) ([]storage.Report, error)
	UpdateStatus(ctx context.Context, id string, status storage.Status) (*storage.Report, error)
	Ping(ctx context.Context) error
}

// ArtifactStore receives annotated images.
type ArtifactStore interface {
	pipeline.Sink
	Remove(name string) error
}

// ImageFetcher downloads an image by URL.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (image.Image, error)
}

// Options configures a Handler.
type Options struct {
	MaxUploadBytes int64
	ArtifactFormat string // file extension of rendered artifacts
}

type Handler struct {
	detector  Detector
	store     ReportStore
	artifacts ArtifactStore
	fetcher   ImageFetcher
	logger    *logger.Logger
	opts      Options
}

type predictURLRequest struct {
	URL    string `json:"url" binding:"required"`
	UserID string `json:"user_id"`
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type predictResponse struct {
	*storage.Report
	Warning string `json:"warning,omitempty"`
}

func NewHandler(detector Detector, store ReportStore, artifacts ArtifactStore, fetcher ImageFetcher, log *logger.Logger, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.ArtifactFormat == "" {
		opts.ArtifactFormat = "jpg"
	}
	opts.ArtifactFormat = strings.TrimPrefix(strings.ToLower(opts.ArtifactFormat), ".")
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Handler{
		detector:  detector,
		store:     store,
		artifacts: artifacts,
		fetcher:   fetcher,
		logger:    log,
		opts:      opts,
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
	r.POST("/predict/url", h.PredictURL)
	r.GET("/detections/:userId", h.ListByUser)
	r.GET("/all", h.ListAll)
	r.GET("/reports/:id", h.GetReport)
	r.PATCH("/reports/:id/status", h.UpdateStatus)
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict runs detection on a multipart upload in the "image" field.
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeBadRequest(c, "Image exceeds the upload limit")
			return
		}
		writeBadRequest(c, "No image file provided. Use 'image' as the form field name")
		return
	}

	file, err := header.Open()
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer file.Close()

	h.logger.Debug("Received file", "filename", header.Filename, "size", header.Size)

	img, err := pipeline.Decode(file)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.detect(c, img, c.PostForm("user_id"))
}

// PredictURL fetches the image at the given URL and runs detection on it.
func (h *Handler) PredictURL(c *gin.Context) {
	var req predictURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "Request body must be JSON with a 'url' field")
		return
	}
	if h.fetcher == nil {
		writeBadRequest(c, "Fetching images by URL is disabled")
		return
	}

	img, err := h.fetcher.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.detect(c, img, req.UserID)
}

func (h *Handler) detect(c *gin.Context, img image.Image, userID string) {
	ctx := c.Request.Context()
	id := uuid.New().String()
	name := id + "." + h.opts.ArtifactFormat

	var sink pipeline.Sink
	if h.artifacts != nil {
		sink = h.artifacts
	}
	result, err := h.detector.Detect(ctx, img, sink, name)
	var warning string
	if err != nil {
		if !errors.Is(err, pipeline.ErrRender) || result == nil {
			h.writeError(c, err)
			return
		}
		warning = err.Error()
		h.removeArtifact(name)
	}

	report := &storage.Report{ID: id, UserID: userID, Result: *result}
	if err := h.store.Save(ctx, report); err != nil {
		h.removeArtifact(name)
		h.writeError(c, err)
		return
	}

	h.logger.Info("Detection completed",
		"report_id", id,
		"user_id", userID,
		"detections", len(result.Detections),
		"artifact", result.ArtifactURI,
	)
	c.JSON(http.StatusOK, predictResponse{Report: report, Warning: warning})
}

func (h *Handler) removeArtifact(name string) {
	if h.artifacts == nil {
		return
	}
	if err := h.artifacts.Remove(name); err != nil {
		h.logger.Warn("Failed to remove artifact", "artifact", name, "error", err)
	}
}

// ListByUser returns the reports of one user, newest first.
func (h *Handler) ListByUser(c *gin.Context) {
	reports, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// ListAll returns every report, optionally filtered by ?status=.
func (h *Handler) ListAll(c *gin.Context) {
	var status storage.Status
	if raw := c.Query("status"); raw != "" {
		st, err := storage.ParseStatus(raw)
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		status = st
	}

	reports, err := h.store.List(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) GetReport(c *gin.Context) {
	report, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "Request body must be JSON with a 'status' field")
		return
	}
	status, err := storage.ParseStatus(req.Status)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	report, err := h.store.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Report status updated", "report_id", report.ID, "status", report.Status)
	c.JSON(http.StatusOK, report)
}

// writeError maps err to an HTTP status and a stable error kind.
func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}

	kind := pipeline.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidImage):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "kind", kind, "error", err)
	} else {
		h.logger.Debug("Request rejected", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(status, gin.H{"error": kind, "message": err.Error()})
}

func writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": message})
}
