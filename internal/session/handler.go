package session

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/catalog"
	"github.com/aura-classroom/backend/pkg/response"
)

// StatusResponse is the body of GET /videos/:id/session.
type StatusResponse struct {
	VideoID string  `json:"video_id"`
	IsLive  bool    `json:"is_live"`
	CanJoin bool    `json:"can_join"`
	Status  *Status `json:"status,omitempty"`
}

// Handler serves session status.
type Handler struct {
	catalog    Catalog
	joinWindow time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(cat Catalog, joinWindow time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{catalog: cat, joinWindow: joinWindow, now: time.Now, logger: logger}
}

// Status handles GET /videos/:id/session. On-demand videos are always joinable.
func (h *Handler) Status(c *gin.Context) {
	videoID := c.Param("id")
	d, err := h.catalog.GetVideo(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, catalog.ErrVideoNotFound) {
			response.NotFound(c, "video not found")
			return
		}
		h.logger.Error("catalog lookup failed", zap.String("video_id", videoID), zap.Error(err))
		response.ServiceUnavailable(c, "catalog unavailable")
		return
	}
	sched, ok := ScheduleOf(d)
	if !ok {
		response.OK(c, StatusResponse{VideoID: videoID, IsLive: d.IsLive, CanJoin: true})
		return
	}
	st := Evaluate(sched, h.joinWindow, h.now())
	response.OK(c, StatusResponse{VideoID: videoID, IsLive: true, CanJoin: st.CanJoin, Status: &st})
}
