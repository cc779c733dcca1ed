package plans

import (
	"testing"

	"thumbforge_backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_KnownPlans(t *testing.T) {
	cases := []struct {
		plan    models.PlanType
		price   int64
		credits int
	}{
		{models.PlanFree, 0, 3},
		{models.PlanBasic, 2900, 50},
		{models.PlanPro, 7900, UnlimitedCredits},
		{models.PlanEnterprise, 19900, UnlimitedCredits},
	}

	for _, tc := range cases {
		plan, err := Get(tc.plan)
		require.NoError(t, err, "план %s должен существовать", tc.plan)
		assert.Equal(t, tc.price, plan.PriceCents)
		assert.Equal(t, tc.credits, plan.Credits)
	}
}

func TestCatalog_UnknownPlan(t *testing.T) {
	_, err := Get("platinum")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = LimitFor("")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestCatalog_AllOrderedByPrice(t *testing.T) {
	all := All()
	require.Len(t, all, 4)

	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].PriceCents, all[i-1].PriceCents,
			"каталог должен быть отсортирован по цене")
	}
	assert.Equal(t, models.PlanFree, all[0].Type)
	assert.Equal(t, models.PlanEnterprise, all[len(all)-1].Type)
}

func TestCatalog_UnlimitedIsFinite(t *testing.T) {
	// "Безлимит" - большое конечное число: арифметика остатков не ломается
	limit, err := LimitFor(models.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, 999999, limit)
}
