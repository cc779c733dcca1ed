package handlers

import (
	"net/http"

	"thumbforge_backend/internal/dto"
	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/middleware"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/internal/services/billing"
	"thumbforge_backend/pkg/apperrors"

	"github.com/gin-gonic/gin"
)

type SubscriptionHandler struct {
	*BaseHandler
	reconciler billing.Reconciler
	subRepo    repositories.SubscriptionRepository
}

func NewSubscriptionHandler(base *BaseHandler, reconciler billing.Reconciler, subRepo repositories.SubscriptionRepository) *SubscriptionHandler {
	return &SubscriptionHandler{BaseHandler: base, reconciler: reconciler, subRepo: subRepo}
}

func (h *SubscriptionHandler) RegisterRoutes(r *gin.RouterGroup) {
	// External callback - подпись проверяется внутри, auth не нужен
	r.POST("/webhooks/stripe", h.HandleWebhook)

	subs := r.Group("/subscriptions")
	subs.Use(middleware.AuthMiddleware())
	{
		subs.POST("/checkout", h.CreateCheckout)
		subs.POST("/sync", h.SyncSession)
		subs.GET("/my", h.GetMySubscription)
		subs.PUT("/cancel", h.Cancel)
		subs.PUT("/plan", h.ChangePlan)
	}

	payments := r.Group("/payments")
	payments.Use(middleware.AuthMiddleware())
	{
		payments.GET("/history", h.GetPaymentHistory)
	}
}

func (h *SubscriptionHandler) CreateCheckout(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	var req dto.CheckoutRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	session, err := h.reconciler.CreateCheckoutSession(c.Request.Context(), userID, models.PlanType(req.PlanType))
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

// SyncSession подтверждает оплату после редиректа с checkout-страницы.
func (h *SubscriptionHandler) SyncSession(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	var req dto.SyncSessionRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	sub, err := h.reconciler.SyncFromSession(c.Request.Context(), userID, req.SessionID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewSubscriptionResponse(sub))
}

func (h *SubscriptionHandler) GetMySubscription(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	sub, err := h.subRepo.FindActiveByUserID(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, apperrors.ErrSubscriptionNotFound)
		return
	}

	c.JSON(http.StatusOK, dto.NewSubscriptionResponse(sub))
}

func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	sub, err := h.reconciler.Cancel(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewSubscriptionResponse(sub))
}

func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	var req dto.ChangePlanRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	sub, err := h.reconciler.ChangePlan(c.Request.Context(), userID, models.PlanType(req.PlanType))
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewSubscriptionResponse(sub))
}

// HandleWebhook принимает события Stripe. Тело читается сырым:
// проверка подписи требует точных байтов, а не перемаршаленного JSON.
func (h *SubscriptionHandler) HandleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		apperrors.HandleError(c, apperrors.NewBadRequestError("Failed to read request body"))
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := h.reconciler.HandleWebhook(c.Request.Context(), payload, signature); err != nil {
		logger.CtxWithError(c.Request.Context(), "webhook processing failed", err)
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *SubscriptionHandler) GetPaymentHistory(c *gin.Context) {
	userID, ok := h.GetAndAuthorizeUserID(c)
	if !ok {
		return
	}

	payments, err := h.subRepo.FindPaymentsByUser(c.Request.Context(), userID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	result := make([]dto.PaymentResponse, 0, len(payments))
	for i := range payments {
		result = append(result, dto.NewPaymentResponse(&payments[i]))
	}
	c.JSON(http.StatusOK, gin.H{"payments": result, "total": len(result)})
}
