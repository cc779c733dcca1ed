package handlers

import (
	"net/http"

	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
	"thumbforge_backend/pkg/apperrors"

	"github.com/gin-gonic/gin"
)

type PlanHandler struct {
	*BaseHandler
}

func NewPlanHandler(base *BaseHandler) *PlanHandler {
	return &PlanHandler{BaseHandler: base}
}

func (h *PlanHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.GetPlans)
	r.GET("/plans/:planType", h.GetPlan)
}

// GetPlans отдает каталог тарифов. Публичный эндпоинт для прайсинг-страницы.
func (h *PlanHandler) GetPlans(c *gin.Context) {
	all := plans.All()
	c.JSON(http.StatusOK, gin.H{
		"plans": all,
		"total": len(all),
	})
}

func (h *PlanHandler) GetPlan(c *gin.Context) {
	plan, err := plans.Get(models.PlanType(c.Param("planType")))
	if err != nil {
		apperrors.HandleError(c, apperrors.ErrInvalidPlanType)
		return
	}
	c.JSON(http.StatusOK, plan)
}
