package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/catalog"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/session"
	"github.com/aura-classroom/backend/pkg/response"
)

// Catalog supplies video descriptors.
type Catalog interface {
	GetVideo(ctx context.Context, id string) (*models.VideoDescriptor, error)
}

// DecryptRequest is the body for POST /video-tokens/decrypt.
type DecryptRequest struct {
	Token string `json:"token" binding:"required"`
}

// DecryptResponse is the playable location behind a token.
type DecryptResponse struct {
	LocationURI    string            `json:"locationURI"`
	SourceKind     models.SourceKind `json:"sourceKind"`
	RefreshedToken string            `json:"refreshedToken,omitempty"`
}

// Handler serves token issue and decrypt endpoints.
type Handler struct {
	codec        *Codec
	resolver     *Resolver
	catalog      Catalog
	joinWindow   time.Duration
	refreshAfter time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewHandler creates a tokens handler.
func NewHandler(codec *Codec, resolver *Resolver, cat Catalog, joinWindow, refreshAfter time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		codec:        codec,
		resolver:     resolver,
		catalog:      cat,
		joinWindow:   joinWindow,
		refreshAfter: refreshAfter,
		now:          time.Now,
		logger:       logger,
	}
}

// Issue handles GET /videos/:id/access-token. Live videos must be joinable.
func (h *Handler) Issue(c *gin.Context) {
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

	body := gin.H{}
	if sched, ok := session.ScheduleOf(d); ok {
		st := session.Evaluate(sched, h.joinWindow, h.now())
		if !st.CanJoin {
			response.Forbidden(c, "session not joinable")
			return
		}
		body["session"] = st
	}

	token, err := h.codec.Encrypt(*d)
	if err != nil {
		h.logger.Error("issue token failed", zap.String("video_id", videoID), zap.Error(err))
		response.Internal(c, "failed to issue token")
		return
	}
	body["token"] = token
	response.OK(c, body)
}

// Decrypt handles POST /video-tokens/decrypt.
func (h *Handler) Decrypt(c *gin.Context) {
	var req DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "token required")
		return
	}
	p, err := h.codec.Decrypt(req.Token)
	if err != nil {
		response.InvalidToken(c)
		return
	}

	location, err := h.resolver.Resolve(c.Request.Context(), p)
	switch {
	case errors.Is(err, ErrResolveTimeout):
		response.GatewayTimeout(c, "timed out resolving video location")
		return
	case err != nil:
		h.logger.Warn("resolve location failed", zap.String("video_id", p.VideoID), zap.Error(err))
		response.ServiceUnavailable(c, "video location unavailable")
		return
	}

	resp := DecryptResponse{LocationURI: location, SourceKind: p.SourceKind}
	if h.codec.Stale(p, h.refreshAfter) {
		if fresh, err := h.codec.Reissue(p); err == nil {
			resp.RefreshedToken = fresh
		}
	}
	response.OK(c, resp)
}
