package handler

import (
	"context"
	"customer-import/internal/api/handler/dto"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/infrastructure/spreadsheet"
	"customer-import/internal/pkg/apperrors"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultMaxUploadMB = 32
	formFieldFile      = "file"
	formFieldGroup     = "group"
)

// ImportRunner runs one import synchronously.
type ImportRunner interface {
	Run(ctx context.Context, filePath, groupName string) (*importrun.ImportResult, error)
}

// RunFinder looks up past runs. It is optional.
type RunFinder interface {
	FindRun(ctx context.Context, runID string) (*importrun.Run, error)
}

type ImportHandler struct {
	runner      ImportRunner
	runs        RunFinder
	maxUploadMB int64
	logger      *slog.Logger
}

func NewImportHandler(runner ImportRunner, runs RunFinder, maxUploadMB int64, l *slog.Logger) *ImportHandler {
	if runner == nil {
		panic("import runner cannot be nil")
	}
	if l == nil {
		panic("logger cannot be nil")
	}
	if maxUploadMB <= 0 {
		maxUploadMB = defaultMaxUploadMB
	}
	return &ImportHandler{
		runner:      runner,
		runs:        runs,
		maxUploadMB: maxUploadMB,
		logger:      l.With("component", "ImportHandler"),
	}
}

// ImportCustomers handles POST /imports. The import runs inside the request.
// @Summary Import customers from a spreadsheet
// @Description Uploads a CSV or Excel file and imports its rows into Square customer groups.
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "CSV or Excel (.xlsx, .xlsm, .xls) file"
// @Param group formData string false "Target group for every row; weekly groups when empty"
// @Success 200 {object} dto.ImportResponse "Run finished; status is completed, cancelled or aborted"
// @Failure 400 {object} dto.ErrorResponse "Missing file"
// @Failure 422 {object} dto.ErrorResponse "Unsupported file or missing required columns"
// @Failure 503 {object} dto.ErrorResponse "Importer setup failed"
// @Router /imports [post]
// @Security BearerAuth
func (h *ImportHandler) ImportCustomers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := h.maxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		h.logger.WarnContext(ctx, "Failed to parse upload", slog.Any("error", err))
		respondError(w, fmt.Errorf("%w: invalid multipart upload: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	src, header, err := r.FormFile(formFieldFile)
	if err != nil {
		respondError(w, fmt.Errorf("%w: form field %q is required", apperrors.ErrInvalidArgument, formFieldFile))
		return
	}
	defer src.Close()

	name := filepath.Base(header.Filename)
	if !spreadsheet.Supported(name) {
		respondError(w, apperrors.NewFileFormatError(name, errors.New("expected a .csv, .xlsx, .xlsm or .xls file")))
		return
	}
	group := strings.TrimSpace(r.FormValue(formFieldGroup))

	path, cleanup, err := spool(src, name)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to store upload", slog.Any("error", err))
		respondError(w, err)
		return
	}
	defer cleanup()

	logCtx := h.logger.With(slog.String("file", name), slog.String("group", group))
	logCtx.InfoContext(ctx, "Received import upload", slog.Int64("bytes", header.Size))

	result, err := h.runner.Run(ctx, path, group)
	if result == nil {
		logCtx.WarnContext(ctx, "Import rejected", slog.Any("error", err))
		respondError(w, err)
		return
	}

	status := importrun.StatusCompleted
	if err != nil {
		status = importrun.StatusCancelled
		if ctx.Err() == nil {
			status = importrun.StatusAborted
		}
		logCtx.WarnContext(ctx, "Import stopped early", slog.String("runID", result.RunID), slog.Any("error", err))
	}
	logCtx.InfoContext(ctx, "Import finished", slog.String("runID", result.RunID), slog.Int("succeeded", result.Succeeded), slog.Int("failed", result.Failed))
	respondJSON(w, http.StatusOK, dto.NewImportResponse(result, status))
}

// GetImport handles GET /imports/{runID}
// @Summary Retrieve an import run
// @Description Reads a finished or running import from the run journal.
// @Tags Imports
// @Produce json
// @Param runID path string true "Run ID" Format(uuid)
// @Success 200 {object} dto.RunResponse "Run details"
// @Failure 400 {object} dto.ErrorResponse "Invalid run ID"
// @Failure 404 {object} dto.ErrorResponse "Run not found or journal disabled"
// @Router /imports/{runID} [get]
// @Security BearerAuth
func (h *ImportHandler) GetImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")
	if _, err := uuid.Parse(runID); err != nil {
		respondError(w, fmt.Errorf("%w: invalid run id %q", apperrors.ErrInvalidArgument, runID))
		return
	}
	if h.runs == nil {
		respondError(w, fmt.Errorf("%w: run history is not configured", apperrors.ErrNotFound))
		return
	}

	run, err := h.runs.FindRun(ctx, runID)
	if err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, apperrors.ErrNotFound) {
			level = slog.LevelError
		}
		h.logger.Log(ctx, level, "Failed to load import run", slog.String("runID", runID), slog.Any("error", err))
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto.NewRunResponse(run))
}

// spool copies the upload to a temp file keeping the extension the reader
// dispatches on.
func spool(src io.Reader, name string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "customer-import-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating upload directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("creating upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing upload file: %w", err)
	}
	return path, cleanup, nil
}
