package services

import (
	"context"
	"testing"
	"time"

	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/repositories/repotest"
	"thumbforge_backend/pkg/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUsageFixture() (UsageService, *repotest.MemoryUserRepo, *repotest.MemorySubscriptionRepo) {
	userRepo := repotest.NewMemoryUserRepo()
	subRepo := repotest.NewMemorySubscriptionRepo()
	subRepo.Users = userRepo
	return NewUsageService(userRepo, subRepo), userRepo, subRepo
}

func TestCanCreateThumbnail_WithinLimit(t *testing.T) {
	svc, userRepo, _ := newUsageFixture()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   2,
			Limit:     3,
			ResetDate: time.Now().Add(10 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})

	ok, info, err := svc.CanCreateThumbnail(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, info.Remaining)
}

func TestCanCreateThumbnail_ResetsExpiredMonthBeforeCheck(t *testing.T) {
	svc, userRepo, _ := newUsageFixture()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   3,
			Limit:     3,
			ResetDate: time.Now().Add(-48 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})

	ok, info, err := svc.CanCreateThumbnail(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok, "после смены месяца счетчик обнулен до проверки")
	assert.Equal(t, 0, info.Created)
	assert.True(t, info.ResetDate.After(time.Now()))

	// Сброс сохранен, а не только посчитан на лету
	user, err := userRepo.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, user.ThumbnailUsage.Created)
}

func TestRecordThumbnailCreation_StopsAtLimit(t *testing.T) {
	svc, userRepo, _ := newUsageFixture()
	ctx := context.Background()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Limit:     3,
			ResetDate: time.Now().Add(10 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordThumbnailCreation(ctx, "u1"))
	}
	err := svc.RecordThumbnailCreation(ctx, "u1")
	assert.ErrorIs(t, err, apperrors.ErrThumbnailLimitReached)

	user, _ := userRepo.FindByID(ctx, "u1")
	assert.Equal(t, 3, user.ThumbnailUsage.Created)
}

func TestRecordThumbnailCreation_UnknownUser(t *testing.T) {
	svc, _, _ := newUsageFixture()
	err := svc.RecordThumbnailCreation(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)
}

func TestSyncWithSubscription_AlignsMirror(t *testing.T) {
	svc, userRepo, subRepo := newUsageFixture()
	ctx := context.Background()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   2,
			Limit:     3,
			ResetDate: time.Now().Add(5 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})
	end := time.Now().Add(25 * 24 * time.Hour)
	subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     end,
		Credits:              models.Credits{Limit: 50},
		ThumbnailLimit:       50,
	})

	require.NoError(t, svc.SyncWithSubscription(ctx, "u1"))

	user, _ := userRepo.FindByID(ctx, "u1")
	assert.Equal(t, models.PlanBasic, user.SubscriptionPlan)
	assert.Equal(t, 50, user.ThumbnailUsage.Limit)
	assert.Equal(t, 0, user.ThumbnailUsage.Created)
	assert.True(t, user.ThumbnailUsage.ResetDate.Equal(end))
}

func TestSyncWithSubscription_SamePlanKeepsCreated(t *testing.T) {
	svc, userRepo, subRepo := newUsageFixture()
	ctx := context.Background()

	// Зеркало разъехалось только по дате сброса, план тот же
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		HasPlan:   true,
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   10,
			Limit:     50,
			ResetDate: time.Now().Add(3 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanBasic,
	})
	end := time.Now().Add(21 * 24 * time.Hour)
	subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     end,
		ThumbnailLimit:       50,
	})

	require.NoError(t, svc.SyncWithSubscription(ctx, "u1"))

	user, _ := userRepo.FindByID(ctx, "u1")
	assert.Equal(t, 10, user.ThumbnailUsage.Created, "сверка без смены плана не обнуляет расход")
	assert.True(t, user.ThumbnailUsage.ResetDate.Equal(end))
}

func TestResetIfNeeded_AlignsWithSubscriptionPeriod(t *testing.T) {
	svc, userRepo, subRepo := newUsageFixture()
	ctx := context.Background()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   50,
			Limit:     50,
			ResetDate: time.Now().Add(-48 * time.Hour),
		},
		SubscriptionPlan: models.PlanBasic,
	})
	end := time.Now().Add(17 * 24 * time.Hour)
	subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     end,
		ThumbnailLimit:       50,
	})

	ok, info, err := svc.CanCreateThumbnail(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, info.Created)
	assert.True(t, info.ResetDate.Equal(end), "дата сброса берется из периода подписки")
}

func TestSyncWithSubscription_IdempotentWhenAligned(t *testing.T) {
	svc, userRepo, subRepo := newUsageFixture()
	ctx := context.Background()
	end := time.Now().Add(25 * 24 * time.Hour)
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		HasPlan:   true,
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   17,
			Limit:     50,
			ResetDate: end,
		},
		SubscriptionPlan: models.PlanBasic,
	})
	subRepo.Seed(&models.Subscription{
		UserID:               "u1",
		PlanType:             models.PlanBasic,
		StripeSubscriptionID: "sub_1",
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodEnd:     end,
		ThumbnailLimit:       50,
	})

	require.NoError(t, svc.SyncWithSubscription(ctx, "u1"))

	user, _ := userRepo.FindByID(ctx, "u1")
	assert.Equal(t, 17, user.ThumbnailUsage.Created, "выровненное зеркало не трогается")
}

func TestSyncWithSubscription_NoActiveSubscriptionIsNoop(t *testing.T) {
	svc, userRepo, _ := newUsageFixture()
	ctx := context.Background()
	userRepo.Seed(&models.User{
		BaseModel: models.BaseModel{ID: "u1"},
		Email:     "u1@test.com",
		ThumbnailUsage: models.ThumbnailUsage{
			Created:   1,
			Limit:     3,
			ResetDate: time.Now().Add(10 * 24 * time.Hour),
		},
		SubscriptionPlan: models.PlanFree,
	})

	require.NoError(t, svc.SyncWithSubscription(ctx, "u1"))

	user, _ := userRepo.FindByID(ctx, "u1")
	assert.Equal(t, 1, user.ThumbnailUsage.Created)
}
