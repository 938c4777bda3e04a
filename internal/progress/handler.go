package progress

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/pkg/response"
)

// CheckpointRequest is the body for POST /progress. UserID, when sent, must match the caller.
type CheckpointRequest struct {
	UserID          string  `json:"userId"`
	VideoID         string  `json:"videoId" binding:"required"`
	CourseID        string  `json:"courseId"`
	WatchedSeconds  float64 `json:"watchedSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Handler serves progress checkpoints and resume lookups.
type Handler struct {
	tracker *Tracker
	logger  *zap.Logger
}

// NewHandler creates a progress handler.
func NewHandler(tracker *Tracker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{tracker: tracker, logger: logger}
}

// Checkpoint handles POST /progress.
func (h *Handler) Checkpoint(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.UserID != "" && req.UserID != id.UserID {
		response.Forbidden(c, "cannot record progress for another user")
		return
	}

	rec, written, err := h.tracker.Checkpoint(c.Request.Context(), Checkpoint{
		UserID:          id.UserID,
		VideoID:         req.VideoID,
		CourseID:        req.CourseID,
		PositionSeconds: req.WatchedSeconds,
		DurationSeconds: req.DurationSeconds,
	})
	if errors.Is(err, ErrInvalidCheckpoint) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("progress checkpoint failed", zap.String("user_id", id.UserID), zap.String("video_id", req.VideoID), zap.Error(err))
		response.ServiceUnavailable(c, "progress unavailable")
		return
	}
	response.OK(c, gin.H{"record": rec, "written": written})
}

// Resume handles GET /progress/:videoId/resume.
func (h *Handler) Resume(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}
	videoID := c.Param("videoId")
	pos, err := h.tracker.ResumePosition(c.Request.Context(), id.UserID, videoID)
	if err != nil {
		h.logger.Error("resume lookup failed", zap.String("user_id", id.UserID), zap.String("video_id", videoID), zap.Error(err))
		response.ServiceUnavailable(c, "progress unavailable")
		return
	}
	response.OK(c, gin.H{"videoId": videoID, "positionSeconds": pos})
}
