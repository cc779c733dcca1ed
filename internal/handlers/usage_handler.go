package handlers

import (
	"net/http"

	"thumbforge_backend/internal/middleware"
	"thumbforge_backend/internal/services"

	"github.com/gin-gonic/gin"
)

type UsageHandler struct {
	*BaseHandler
	creditService services.CreditService
	usageService  services.UsageService
}

func NewUsageHandler(base *BaseHandler, creditService services.CreditService, usageService services.UsageService) *UsageHandler {
	return &UsageHandler{BaseHandler: base, creditService: creditService, usageService: usageService}
}

func (h *UsageHandler) RegisterRoutes(r *gin.RouterGroup) {
	usage := r.Group("/usage")
	usage.Use(middleware.AuthMiddleware())
	{
		usage.GET("/credits", h.GetCredits)
		usage.POST("/deduct", h.DeductCredit)
		usage.GET("/thumbnails", h.GetThumbnailUsage)
		usage.POST("/thumbnails", h.RecordThumbnail)
		usage.POST("/sync", h.SyncUsage)
	}
}

func (h *UsageHandler) GetCredits(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	info, err := h.creditService.GetCredits(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// DeductCredit списывает один кредит генерации. Генератор превью
// вызывает его перед постановкой задачи в очередь.
func (h *UsageHandler) DeductCredit(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	outcome, err := h.creditService.TryDeduct(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"used":      outcome.Used,
		"remaining": outcome.Remaining,
	})
}

func (h *UsageHandler) GetThumbnailUsage(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	info, err := h.usageService.GetUsage(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

func (h *UsageHandler) RecordThumbnail(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	if err := h.usageService.RecordThumbnailCreation(c.Request.Context(), userID); err != nil {
		h.HandleServiceError(c, err)
		return
	}

	info, err := h.usageService.GetUsage(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *UsageHandler) SyncUsage(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	if err := h.usageService.SyncWithSubscription(c.Request.Context(), userID); err != nil {
		h.HandleServiceError(c, err)
		return
	}

	info, err := h.usageService.GetUsage(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
