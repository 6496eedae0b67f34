// internal/handler/status_handler.go
package handler

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sensor-reader/internal/calibration"
	"sensor-reader/internal/model"
	"sensor-reader/internal/pipeline"
	"sensor-reader/internal/storage"
	"sensor-reader/internal/utils"
)

const (
	defaultSampleLimit = 48
	maxSampleLimit     = 10000
)

// SampleQuerier reads mirrored samples from the database
type SampleQuerier interface {
	Recent(ctx context.Context, limit int) ([]model.SampleRecord, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// StatusHandler serves pipeline status and recorded samples
type StatusHandler struct {
	pipeline PipelineStatus
	moisture *calibration.Moisture
	logPath  string
	mirror   SampleQuerier
	logger   *utils.ServiceLogger
}

// NewStatusHandler creates a status handler. mirror may be nil.
func NewStatusHandler(p PipelineStatus, moisture *calibration.Moisture, logPath string, mirror SampleQuerier, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		pipeline: p,
		moisture: moisture,
		logPath:  logPath,
		mirror:   mirror,
		logger:   utils.NewServiceLogger(logger, "status-handler"),
	}
}

// RegisterRoutes registers status routes
func (h *StatusHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.GET("/samples", h.ListSamples)
	router.GET("/samples/latest", h.GetLatestSample)
}

// SampleView is a recorded sample with its calibrated moisture
type SampleView struct {
	Timestamp time.Time       `json:"timestamp"`
	Reading   int64           `json:"reading"`
	Moisture  decimal.Decimal `json:"moisture_percent"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	pipeline.Snapshot
	Latest *SampleView `json:"latest,omitempty"`
}

// GetStatus returns the runner snapshot with the latest calibrated sample
func (h *StatusHandler) GetStatus(c *gin.Context) {
	snap := h.pipeline.Snapshot()
	resp := StatusResponse{Snapshot: snap}
	if snap.Totals.LastSample != nil {
		view := h.view(*snap.Totals.LastSample)
		resp.Latest = &view
	}
	utils.SuccessResponse(c, http.StatusOK, "Pipeline status", resp)
}

// ListSamples returns the newest samples, oldest first. ?limit bounds the
// count and ?source=db reads from the mirror instead of the sample log.
func (h *StatusHandler) ListSamples(c *gin.Context) {
	limit := defaultSampleLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSampleLimit {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	var (
		records []model.SampleRecord
		skipped []storage.LineError
		err     error
	)
	switch source := c.DefaultQuery("source", "log"); source {
	case "log":
		records, skipped, err = storage.Tail(h.logPath, limit)
		if errors.Is(err, fs.ErrNotExist) {
			records, err = nil, nil
		}
		if len(skipped) > 0 {
			h.logger.Warn("Skipped unreadable sample log lines",
				zap.Int("count", len(skipped)),
				zap.Error(skipped[len(skipped)-1]),
			)
		}
	case "db":
		if h.mirror == nil {
			utils.ErrorResponse(c, http.StatusNotFound, "Database mirror disabled", nil)
			return
		}
		records, err = h.mirror.Recent(c.Request.Context(), limit)
	default:
		utils.ErrorResponse(c, http.StatusBadRequest, "Unknown sample source", errors.New(source))
		return
	}
	if err != nil {
		utils.LogError(utils.LoggerWithRequestID(h.logger.Logger, utils.GetRequestID(c)),
			"Failed to read samples", err)
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to read samples", err)
		return
	}

	views := make([]SampleView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.view(rec))
	}
	utils.SuccessResponse(c, http.StatusOK, "Samples retrieved", gin.H{
		"count":         len(views),
		"samples":       views,
		"skipped_lines": len(skipped),
	})
}

// GetLatestSample returns the last sample recorded by this process
func (h *StatusHandler) GetLatestSample(c *gin.Context) {
	last := h.pipeline.Snapshot().Totals.LastSample
	if last == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "No sample recorded yet", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Latest sample", h.view(*last))
}

func (h *StatusHandler) view(rec model.SampleRecord) SampleView {
	return SampleView{
		Timestamp: rec.Timestamp,
		Reading:   rec.Reading,
		Moisture:  h.moisture.Percent(rec.Reading),
	}
}
