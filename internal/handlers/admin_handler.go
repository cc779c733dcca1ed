package handlers

import (
	"net/http"

	"thumbforge_backend/internal/dto"
	"thumbforge_backend/internal/middleware"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/internal/services/billing"

	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	*BaseHandler
	reconciler billing.Reconciler
	subRepo    repositories.SubscriptionRepository
	userRepo   repositories.UserRepository
}

func NewAdminHandler(
	base *BaseHandler,
	reconciler billing.Reconciler,
	subRepo repositories.SubscriptionRepository,
	userRepo repositories.UserRepository,
) *AdminHandler {
	return &AdminHandler{BaseHandler: base, reconciler: reconciler, subRepo: subRepo, userRepo: userRepo}
}

func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	admin.Use(middleware.AuthMiddleware(), middleware.RoleMiddleware(models.UserRoleAdmin))
	{
		admin.POST("/subscriptions/grant", h.GrantSubscription)
		admin.DELETE("/subscriptions/:userId", h.TerminateSubscription)
		admin.GET("/subscriptions", h.ListActiveSubscriptions)
		admin.GET("/users", h.ListUsers)
		admin.GET("/payments", h.ListPayments)
	}
}

// GrantSubscription выдает пользователю план без оплаты.
func (h *AdminHandler) GrantSubscription(c *gin.Context) {
	var req dto.AdminGrantRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	sub, err := h.reconciler.AdminGrant(c.Request.Context(), req.UserID, models.PlanType(req.PlanType), req.Days)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewSubscriptionResponse(sub))
}

func (h *AdminHandler) TerminateSubscription(c *gin.Context) {
	userID := c.Param("userId")

	if err := h.reconciler.AdminTerminate(c.Request.Context(), userID); err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"terminated": true})
}

func (h *AdminHandler) ListActiveSubscriptions(c *gin.Context) {
	rows, err := h.subRepo.ListActiveWithUsers(c.Request.Context())
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": rows, "total": len(rows)})
}

func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.userRepo.List(c.Request.Context())
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	result := make([]dto.UserResponse, 0, len(users))
	for i := range users {
		result = append(result, dto.NewUserResponse(&users[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": result, "total": len(result)})
}

func (h *AdminHandler) ListPayments(c *gin.Context) {
	payments, err := h.subRepo.ListPayments(c.Request.Context())
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
