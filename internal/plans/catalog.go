package plans

import (
	"errors"

	"thumbforge_backend/internal/models"
)

// UnlimitedCredits - сентинел для "безлимитных" тарифов. Это большое конечное
// число, а не бесконечность: вся арифметика с кредитами остается ограниченной.
const UnlimitedCredits = 999999

var ErrUnknownPlan = errors.New("unknown plan type")

// Plan - статическое описание тарифа. Каталог не хранится в БД:
// это единственный источник истины о лимитах и ценах.
type Plan struct {
	Type        models.PlanType `json:"planType"`
	Name        string          `json:"name"`
	PriceCents  int64           `json:"priceCents"`
	Credits     int             `json:"credits"`
	Description string          `json:"description"`
}

var catalog = map[models.PlanType]Plan{
	models.PlanFree: {
		Type:        models.PlanFree,
		Name:        "Free",
		PriceCents:  0,
		Credits:     3,
		Description: "3 AI thumbnails total",
	},
	models.PlanBasic: {
		Type:        models.PlanBasic,
		Name:        "Basic",
		PriceCents:  2900,
		Credits:     50,
		Description: "50 AI thumbnails/month",
	},
	models.PlanPro: {
		Type:        models.PlanPro,
		Name:        "Pro",
		PriceCents:  7900,
		Credits:     UnlimitedCredits,
		Description: "Unlimited AI thumbnails",
	},
	models.PlanEnterprise: {
		Type:        models.PlanEnterprise,
		Name:        "Enterprise",
		PriceCents:  19900,
		Credits:     UnlimitedCredits,
		Description: "Everything in Pro + API Access",
	},
}

// order фиксирует порядок вывода планов (по возрастанию цены).
var order = []models.PlanType{
	models.PlanFree,
	models.PlanBasic,
	models.PlanPro,
	models.PlanEnterprise,
}

// Get возвращает план по типу.
func Get(planType models.PlanType) (Plan, error) {
	plan, ok := catalog[planType]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// LimitFor возвращает лимит кредитов плана.
func LimitFor(planType models.PlanType) (int, error) {
	plan, err := Get(planType)
	if err != nil {
		return 0, err
	}
	return plan.Credits, nil
}

// PriceFor возвращает цену плана в минимальных единицах валюты.
func PriceFor(planType models.PlanType) (int64, error) {
	plan, err := Get(planType)
	if err != nil {
		return 0, err
	}
	return plan.PriceCents, nil
}

// All возвращает каталог в порядке возрастания цены.
func All() []Plan {
	result := make([]Plan, 0, len(order))
	for _, t := range order {
		result = append(result, catalog[t])
	}
	return result
}
