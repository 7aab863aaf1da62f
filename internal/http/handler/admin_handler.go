package handler

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/failban"
)

// AdminHandler exposes the ban list to operators.
type AdminHandler struct {
	Bans   *failban.Manager
	Logger *zap.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(bans *failban.Manager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{Bans: bans, Logger: logger}
}

// ListBans returns active bans.
func (h *AdminHandler) ListBans(c *gin.Context) {
	bans, err := h.Bans.ListBans(c.Request.Context())
	if err != nil {
		h.log().Error("ban list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Ban list unavailable."})
		return
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].Key < bans[j].Key })
	c.JSON(http.StatusOK, gin.H{"bans": bans})
}

// CreateBan places an operator ban.
func (h *AdminHandler) CreateBan(c *gin.Context) {
	var req struct {
		Key      string `json:"key" form:"key" binding:"required"`
		Duration string `json:"duration" form:"duration"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "key is required."})
		return
	}

	var d time.Duration
	if strings.TrimSpace(req.Duration) != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "duration must be a positive Go duration."})
			return
		}
		d = parsed
	}

	ban, err := h.Bans.BanFor(c.Request.Context(), strings.TrimSpace(req.Key), d)
	if err != nil {
		h.log().Error("operator ban failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Ban could not be recorded."})
		return
	}
	c.JSON(http.StatusCreated, ban)
}

// DeleteBan lifts a ban.
func (h *AdminHandler) DeleteBan(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "key is required."})
		return
	}
	if err := h.Bans.Unban(c.Request.Context(), key); err != nil {
		h.log().Error("unban failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Ban could not be lifted."})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
