package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/catalog"
	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/response"
)

// AdminSender delivers a privileged message to a room's live viewers.
type AdminSender interface {
	AdminMessage(ctx context.Context, videoID string, sender auth.Identity, text string) (models.ChatEvent, error)
}

// Catalog confirms that a video exists before a room is opened for it.
type Catalog interface {
	GetVideo(ctx context.Context, id string) (*models.VideoDescriptor, error)
}

// AdminMessageRequest is the body for POST /chat/admin-message.
type AdminMessageRequest struct {
	VideoID string `json:"videoId" binding:"required"`
	Message string `json:"message"`
}

// Handler serves chat history and admin messages.
type Handler struct {
	store  Store
	sender AdminSender
	videos Catalog
	group  singleflight.Group
	logger *zap.Logger
}

// NewHandler creates a chat handler. videos may be nil to skip the existence check.
func NewHandler(store Store, sender AdminSender, videos Catalog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, sender: sender, videos: videos, logger: logger}
}

// History handles GET /chat/history/:videoId?limit=N&kind=message.
func (h *Handler) History(c *gin.Context) {
	videoID := c.Param("videoId")
	limit := MaxHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = ClampLimit(n)
	}
	kinds, err := parseKinds(c.QueryArray("kind"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	key := historyKey(videoID, limit, kinds)
	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		return h.store.History(context.WithoutCancel(c.Request.Context()), videoID, limit, kinds...)
	})
	if err != nil {
		h.logger.Error("chat history failed", zap.String("video_id", videoID), zap.Error(err))
		response.ServiceUnavailable(c, "chat history unavailable")
		return
	}
	response.OK(c, gin.H{"events": v.([]models.ChatEvent)})
}

// AdminMessage handles POST /chat/admin-message. The route requires the admin role.
func (h *Handler) AdminMessage(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}
	var req AdminMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if h.videos != nil {
		if _, err := h.videos.GetVideo(c.Request.Context(), req.VideoID); err != nil {
			if errors.Is(err, catalog.ErrVideoNotFound) {
				response.NotFound(c, "video not found")
				return
			}
			h.logger.Error("admin message video lookup failed", zap.String("video_id", req.VideoID), zap.Error(err))
			response.ServiceUnavailable(c, "catalog unavailable")
			return
		}
	}
	event, err := h.sender.AdminMessage(c.Request.Context(), req.VideoID, id, req.Message)
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		response.BadRequest(c, err.Error())
		return
	case err != nil:
		h.logger.Error("admin message failed", zap.String("video_id", req.VideoID), zap.Error(err))
		response.ServiceUnavailable(c, "chat unavailable")
		return
	}
	response.Created(c, gin.H{"event": event})
}

func parseKinds(raw []string) ([]models.ChatEventKind, error) {
	var kinds []models.ChatEventKind
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			k := models.ChatEventKind(strings.TrimSpace(part))
			switch k {
			case "":
				continue
			case models.ChatEventJoin, models.ChatEventLeave, models.ChatEventMessage:
				kinds = append(kinds, k)
			default:
				return nil, fmt.Errorf("unknown kind %q", k)
			}
		}
	}
	return kinds, nil
}

func historyKey(videoID string, limit int, kinds []models.ChatEventKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return videoID + "|" + strconv.Itoa(limit) + "|" + strings.Join(names, ",")
}
