package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"thumbforge_backend/internal/email"
	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"
	"thumbforge_backend/internal/repositories"
	"thumbforge_backend/pkg/apperrors"

	"gorm.io/datatypes"
)

// fallbackPeriod используется, когда провайдер не вернул границы
// биллингового периода (бывает на только что созданных подписках).
const fallbackPeriod = 30 * 24 * time.Hour

// Reconciler сводит три источника правды о подписке - провайдера,
// таблицу subscriptions и зеркало лимитов на пользователе - к одному
// согласованному состоянию. Все операции идемпотентны: повторный вызов
// с теми же входными данными не создает дублей и не двигает счетчики.
type Reconciler interface {
	CreateCheckoutSession(ctx context.Context, userID string, planType models.PlanType) (*CheckoutSession, error)
	SyncFromSession(ctx context.Context, userID, sessionID string) (*models.Subscription, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	Cancel(ctx context.Context, userID string) (*models.Subscription, error)
	ChangePlan(ctx context.Context, userID string, planType models.PlanType) (*models.Subscription, error)
	AdminGrant(ctx context.Context, userID string, planType models.PlanType, days int) (*models.Subscription, error)
	AdminTerminate(ctx context.Context, userID string) error
}

type reconciler struct {
	subRepo  repositories.SubscriptionRepository
	userRepo repositories.UserRepository
	provider Provider
	cache    *WebhookCache
	notifier *email.Notifier

	successURL string
	cancelURL  string

	now func() time.Time
}

func NewReconciler(
	subRepo repositories.SubscriptionRepository,
	userRepo repositories.UserRepository,
	provider Provider,
	notifier *email.Notifier,
	frontendURL string,
) Reconciler {
	return &reconciler{
		subRepo:    subRepo,
		userRepo:   userRepo,
		provider:   provider,
		cache:      NewWebhookCache(),
		notifier:   notifier,
		successURL: frontendURL + "/subscription/success",
		cancelURL:  frontendURL + "/subscription/cancel",
		now:        time.Now,
	}
}

// CreateCheckoutSession создает checkout-сессию у провайдера для платного
// плана. Клиент у провайдера создается лениво при первой покупке.
func (r *reconciler) CreateCheckoutSession(ctx context.Context, userID string, planType models.PlanType) (*CheckoutSession, error) {
	plan, err := plans.Get(planType)
	if err != nil {
		return nil, apperrors.ErrInvalidPlanType
	}
	if plan.PriceCents == 0 {
		return nil, apperrors.NewBadRequestError("Free plan does not require checkout")
	}

	user, err := r.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.InternalError(err)
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = r.provider.CreateCustomer(ctx, user.Email, user.Name, user.ID)
		if err != nil {
			return nil, apperrors.ProviderError(err)
		}
		if err := r.userRepo.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			return nil, apperrors.InternalError(err)
		}
	}

	session, err := r.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		UserID:     userID,
		Plan:       plan,
		SuccessURL: r.successURL,
		CancelURL:  r.cancelURL,
	})
	if err != nil {
		return nil, apperrors.ProviderError(err)
	}
	return session, nil
}

// SyncFromSession подтверждает оплату после возврата с checkout-страницы.
// Фронтенд вызывает его с session_id из success URL; тот же путь
// проходит webhook checkout.session.completed, так что гонка между ними
// безопасна: кто пришел вторым, найдет уже созданную подписку.
func (r *reconciler) SyncFromSession(ctx context.Context, userID, sessionID string) (*models.Subscription, error) {
	info, err := r.provider.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.ProviderError(err)
	}

	// Сессия должна принадлежать вызывающему пользователю
	if owner := info.Metadata["userId"]; owner != "" && owner != userID {
		return nil, apperrors.ErrForbidden
	}

	return r.syncPaidSession(ctx, userID, info, "session-"+sessionID)
}

// syncPaidSession - общий путь подтверждения оплаты: проверяет статус,
// извлекает план, upsert'ит подписку по внешнему ID и выравнивает зеркало.
func (r *reconciler) syncPaidSession(ctx context.Context, userID string, info *SessionInfo, eventRef string) (*models.Subscription, error) {
	if info.PaymentStatus != "paid" {
		return nil, apperrors.ErrPaymentNotCompleted
	}

	planType := models.PlanType(info.Metadata["planType"])
	plan, err := plans.Get(planType)
	if err != nil {
		return nil, apperrors.ErrPlanTypeMissing
	}

	if info.SubscriptionID == "" {
		return nil, apperrors.NewBadRequestError("Session has no subscription attached")
	}

	// Идемпотентность: подписка с этим внешним ID уже могла быть создана
	// webhook'ом или повторным вызовом.
	existing, err := r.subRepo.FindByStripeSubscriptionID(ctx, info.SubscriptionID)
	if err == nil {
		if existing.UserID != userID {
			return nil, apperrors.ErrSubscriptionExists
		}
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrSubscriptionNotFound) {
		return nil, apperrors.InternalError(err)
	}

	provSub, err := r.provider.RetrieveSubscription(ctx, info.SubscriptionID)
	if err != nil {
		return nil, apperrors.ProviderError(err)
	}

	now := r.now()
	periodStart, periodEnd := normalizePeriod(provSub.PeriodStart, provSub.PeriodEnd, now)

	sub := &models.Subscription{
		UserID:               userID,
		PlanType:             planType,
		StripeCustomerID:     info.CustomerID,
		StripeSubscriptionID: info.SubscriptionID,
		StripeProductID:      provSub.ProductID,
		StripePriceID:        provSub.PriceID,
		Origin:               models.OriginStripe,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
		Credits:              models.Credits{Used: 0, Limit: plan.Credits},
		ThumbnailLimit:       plan.Credits,
		ProviderMetadata:     marshalMetadata(provSub.Metadata),
	}

	if err := r.subRepo.Create(ctx, sub); err != nil {
		if errors.Is(err, repositories.ErrDuplicateSubscription) {
			// Проиграли гонку webhook'у; перечитываем его результат.
			return r.subRepo.FindByStripeSubscriptionID(ctx, info.SubscriptionID)
		}
		return nil, apperrors.InternalError(err)
	}

	// Инвариант "одна активная подписка": все прочие активные записи
	// пользователя гасятся и локально, и у провайдера.
	r.cancelOtherActives(ctx, userID, info.SubscriptionID)

	if err := r.userRepo.ApplyPlan(ctx, userID, planType, plan.Credits, periodEnd); err != nil {
		logger.CtxWithError(ctx, "failed to mirror plan onto user", err, "user_id", userID)
	}

	paidAt := now
	payment := &models.PaymentTransaction{
		UserID:         userID,
		SubscriptionID: sub.ID,
		Amount:         plan.PriceCents,
		Currency:       "eur",
		Status:         models.PaymentStatusPaid,
		StripeEventID:  eventRef,
		PaidAt:         &paidAt,
	}
	if err := r.subRepo.CreatePaymentTransaction(ctx, payment); err != nil {
		logger.CtxWithError(ctx, "failed to record payment transaction", err, "user_id", userID)
	}

	logger.CtxInfo(ctx, "subscription synced from checkout",
		"user_id", userID, "plan", planType, "subscription_id", sub.ID)
	return sub, nil
}

// cancelOtherActives гасит остальные активные подписки пользователя.
// Отмена у провайдера - best effort: неуспех логируется, но не
// останавливает локальную сверку, иначе один сбой провайдера оставил бы
// пользователя с двумя активными подписками навсегда.
func (r *reconciler) cancelOtherActives(ctx context.Context, userID, keepStripeSubID string) {
	others, err := r.subRepo.FindActiveByUserIDExcept(ctx, userID, keepStripeSubID)
	if err != nil {
		logger.CtxWithError(ctx, "failed to list competing subscriptions", err, "user_id", userID)
		return
	}

	for i := range others {
		other := &others[i]
		if other.IsProviderManaged() {
			if err := r.provider.CancelSubscription(ctx, other.StripeSubscriptionID); err != nil {
				logger.CtxWithError(ctx, "failed to cancel competing subscription at provider", err,
					"subscription_id", other.ID)
			}
		}
		if err := r.subRepo.MarkCanceled(ctx, other.ID); err != nil {
			logger.CtxWithError(ctx, "failed to cancel competing subscription locally", err,
				"subscription_id", other.ID)
		}
	}
}

// HandleWebhook обрабатывает событие провайдера. Подпись проверяется
// до любого чтения payload; повторные доставки отбрасываются по event.ID.
func (r *reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := r.provider.ConstructWebhookEvent(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return apperrors.ErrInvalidSignature
		}
		return apperrors.ProviderError(err)
	}

	if event.Type == EventIgnored {
		return nil
	}

	if !r.cache.MarkProcessed(event.ID) {
		logger.CtxInfo(ctx, "duplicate webhook delivery skipped", "event_id", event.ID)
		return nil
	}

	switch event.Type {
	case EventCheckoutCompleted:
		return r.onCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return r.onSubscriptionUpdated(ctx, event.Subscription)
	case EventSubscriptionDeleted:
		return r.onSubscriptionDeleted(ctx, event.Subscription)
	case EventInvoicePaymentFailed:
		return r.onPaymentFailed(ctx, event)
	}
	return nil
}

func (r *reconciler) onCheckoutCompleted(ctx context.Context, event *WebhookEvent) error {
	info := event.Session
	userID := info.Metadata["userId"]
	if userID == "" {
		logger.CtxWarn(ctx, "checkout event without userId metadata", "event_id", event.ID)
		return nil
	}

	_, err := r.syncPaidSession(ctx, userID, info, event.ID)
	if err != nil {
		// Неоплаченная сессия в webhook - не ошибка доставки
		if apperrors.Is(err, apperrors.ErrPaymentNotCompleted) {
			return nil
		}
		return err
	}
	return nil
}

func (r *reconciler) onSubscriptionUpdated(ctx context.Context, info *SubscriptionInfo) error {
	sub, err := r.subRepo.FindByStripeSubscriptionID(ctx, info.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			// Подписка, созданная вне нашей системы; ждем checkout-событие
			logger.CtxWarn(ctx, "update event for unknown subscription", "stripe_subscription_id", info.ID)
			return nil
		}
		return apperrors.InternalError(err)
	}

	updates := map[string]interface{}{
		"cancel_at_period_end": info.CancelAtPeriodEnd,
	}
	periodStart, periodEnd := normalizePeriod(info.PeriodStart, info.PeriodEnd, r.now())
	if !info.PeriodStart.IsZero() {
		updates["current_period_start"] = periodStart
		updates["current_period_end"] = periodEnd
	}
	if info.Status != sub.Status && models.CanTransition(sub.Status, info.Status) {
		updates["status"] = info.Status
	}

	if err := r.subRepo.Update(ctx, sub.ID, updates); err != nil {
		return apperrors.InternalError(err)
	}

	if info.Status == models.SubscriptionStatusCanceled && sub.Status != models.SubscriptionStatusCanceled {
		r.revertUserToFree(ctx, sub.UserID)
	}
	return nil
}

// onSubscriptionDeleted переводит пользователя обратно на бесплатный план.
func (r *reconciler) onSubscriptionDeleted(ctx context.Context, info *SubscriptionInfo) error {
	sub, err := r.subRepo.FindByStripeSubscriptionID(ctx, info.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return nil
		}
		return apperrors.InternalError(err)
	}

	if err := r.subRepo.MarkCanceled(ctx, sub.ID); err != nil &&
		!errors.Is(err, repositories.ErrSubscriptionNotFound) {
		return apperrors.InternalError(err)
	}

	r.revertUserToFree(ctx, sub.UserID)

	if user, uerr := r.userRepo.FindByID(ctx, sub.UserID); uerr == nil {
		freePlan, _ := plans.Get(models.PlanFree)
		if merr := r.notifier.SubscriptionCanceled(user.Email, user.Name, string(sub.PlanType), freePlan.Credits); merr != nil {
			logger.CtxWithError(ctx, "failed to send cancellation notice", merr, "user_id", sub.UserID)
		}
	}

	logger.CtxInfo(ctx, "subscription ended, user reverted to free",
		"user_id", sub.UserID, "subscription_id", sub.ID)
	return nil
}

func (r *reconciler) onPaymentFailed(ctx context.Context, event *WebhookEvent) error {
	inv := event.Invoice
	if inv.CustomerID == "" {
		return nil
	}

	sub, err := r.subRepo.FindByStripeCustomerID(ctx, inv.CustomerID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return nil
		}
		return apperrors.InternalError(err)
	}

	if models.CanTransition(sub.Status, models.SubscriptionStatusPastDue) {
		if err := r.subRepo.Update(ctx, sub.ID, map[string]interface{}{
			"status": models.SubscriptionStatusPastDue,
		}); err != nil {
			return apperrors.InternalError(err)
		}
	}

	payment := &models.PaymentTransaction{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         inv.AmountDue,
		Currency:       inv.Currency,
		Status:         models.PaymentStatusFailed,
		StripeEventID:  event.ID,
	}
	if err := r.subRepo.CreatePaymentTransaction(ctx, payment); err != nil {
		logger.CtxWithError(ctx, "failed to record failed payment", err, "user_id", sub.UserID)
	}

	if user, uerr := r.userRepo.FindByID(ctx, sub.UserID); uerr == nil {
		if merr := r.notifier.PaymentFailed(user.Email, user.Name, string(sub.PlanType), inv.AmountDue, inv.Currency); merr != nil {
			logger.CtxWithError(ctx, "failed to send payment failure notice", merr, "user_id", sub.UserID)
		}
	}

	logger.CtxWarn(ctx, "subscription past due after failed payment",
		"user_id", sub.UserID, "subscription_id", sub.ID)
	return nil
}

// Cancel ставит активную подписку пользователя на отмену в конце периода.
// Доступ к оплаченным лимитам сохраняется до конца периода; окончательный
// перевод на free выполнит webhook subscription.deleted.
func (r *reconciler) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := r.subRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			// Запись есть, но не активна (past_due, unpaid, canceled) -
			// отмена неприменима; отсутствие записей - 404
			if _, lerr := r.subRepo.FindByUserID(ctx, userID); lerr == nil {
				return nil, apperrors.ErrSubscriptionNotActive
			}
			return nil, apperrors.ErrSubscriptionNotFound
		}
		return nil, apperrors.InternalError(err)
	}

	switch sub.Origin {
	case models.OriginAdmin:
		return nil, apperrors.ErrAdminGrantSelfCancel
	case models.OriginFree:
		return nil, apperrors.NewBadRequestError("Free plan has nothing to cancel")
	}

	updated, err := r.provider.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, apperrors.ProviderError(err)
	}

	canceledAt := r.now()
	updates := map[string]interface{}{
		"cancel_at_period_end": true,
		"canceled_at":          &canceledAt,
	}
	if updated != nil && !updated.PeriodEnd.IsZero() {
		updates["current_period_end"] = updated.PeriodEnd
	}
	if err := r.subRepo.Update(ctx, sub.ID, updates); err != nil {
		return nil, apperrors.InternalError(err)
	}

	return r.subRepo.FindByID(ctx, sub.ID)
}

// ChangePlan переводит активную подписку на другой платный план.
// Смена плана начинает новый отсчет кредитов.
func (r *reconciler) ChangePlan(ctx context.Context, userID string, planType models.PlanType) (*models.Subscription, error) {
	plan, err := plans.Get(planType)
	if err != nil {
		return nil, apperrors.ErrInvalidPlanType
	}
	if plan.PriceCents == 0 {
		return nil, apperrors.NewBadRequestError("Use cancel to downgrade to the free plan")
	}

	sub, err := r.subRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return nil, apperrors.ErrSubscriptionNotFound
		}
		return nil, apperrors.InternalError(err)
	}
	if sub.PlanType == planType {
		return sub, nil
	}
	if !sub.IsProviderManaged() {
		return nil, apperrors.NewBadRequestError("Subscription is not managed by the payment provider")
	}

	if err := r.provider.ChangePlan(ctx, sub.StripeSubscriptionID, plan); err != nil {
		return nil, apperrors.ProviderError(err)
	}

	if err := r.subRepo.Update(ctx, sub.ID, map[string]interface{}{
		"plan_type":       planType,
		"credits_used":    0,
		"credits_limit":   plan.Credits,
		"thumbnail_limit": plan.Credits,
	}); err != nil {
		return nil, apperrors.InternalError(err)
	}

	if err := r.userRepo.ApplyPlan(ctx, userID, planType, plan.Credits, sub.CurrentPeriodEnd); err != nil {
		logger.CtxWithError(ctx, "failed to mirror plan change onto user", err, "user_id", userID)
	}

	return r.subRepo.FindByID(ctx, sub.ID)
}

// AdminGrant выдает пользователю план в обход оплаты. Существующие
// подписки пользователя удаляются; запись у провайдера, если была,
// отменяется best effort.
func (r *reconciler) AdminGrant(ctx context.Context, userID string, planType models.PlanType, days int) (*models.Subscription, error) {
	plan, err := plans.Get(planType)
	if err != nil {
		return nil, apperrors.ErrInvalidPlanType
	}
	if days <= 0 {
		days = 30
	}

	user, err := r.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.InternalError(err)
	}

	// Гасим провайдерские подписки до удаления локальных записей,
	// иначе внешние ID будут потеряны.
	r.cancelOtherActives(ctx, userID, "")

	if err := r.subRepo.DeleteAllForUser(ctx, userID); err != nil {
		return nil, apperrors.InternalError(err)
	}

	now := r.now()
	periodEnd := now.Add(time.Duration(days) * 24 * time.Hour)

	sub := &models.Subscription{
		UserID:               userID,
		PlanType:             planType,
		StripeSubscriptionID: fmt.Sprintf("admin-grant-%s-%d", userID, now.UnixNano()),
		Origin:               models.OriginAdmin,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     periodEnd,
		Credits:              models.Credits{Used: 0, Limit: plan.Credits},
		ThumbnailLimit:       plan.Credits,
	}
	if err := r.subRepo.Create(ctx, sub); err != nil {
		return nil, apperrors.InternalError(err)
	}

	if err := r.userRepo.ApplyPlan(ctx, userID, planType, plan.Credits, periodEnd); err != nil {
		logger.CtxWithError(ctx, "failed to mirror granted plan onto user", err, "user_id", userID)
	}

	if merr := r.notifier.SubscriptionGranted(user.Email, user.Name, plan.Name,
		periodEnd.Format("January 2, 2006")); merr != nil {
		logger.CtxWithError(ctx, "failed to send grant notice", merr, "user_id", userID)
	}

	logger.CtxInfo(ctx, "plan granted by admin", "user_id", userID, "plan", planType, "days", days)
	return sub, nil
}

// AdminTerminate немедленно завершает активную подписку пользователя
// и переводит его на бесплатный план.
func (r *reconciler) AdminTerminate(ctx context.Context, userID string) error {
	sub, err := r.subRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return apperrors.ErrSubscriptionNotFound
		}
		return apperrors.InternalError(err)
	}

	if sub.IsProviderManaged() {
		if err := r.provider.CancelSubscription(ctx, sub.StripeSubscriptionID); err != nil {
			logger.CtxWithError(ctx, "failed to cancel subscription at provider", err,
				"subscription_id", sub.ID)
		}
	}

	if err := r.subRepo.MarkCanceled(ctx, sub.ID); err != nil {
		return apperrors.InternalError(err)
	}

	r.revertUserToFree(ctx, userID)
	logger.CtxInfo(ctx, "subscription terminated by admin", "user_id", userID, "subscription_id", sub.ID)
	return nil
}

// revertUserToFree возвращает зеркало лимитов пользователя к бесплатному
// плану. Ошибка здесь оставляет рассинхрон, который заметен в логах и
// чинится следующей сверкой, поэтому не пробрасывается наверх.
func (r *reconciler) revertUserToFree(ctx context.Context, userID string) {
	freePlan, _ := plans.Get(models.PlanFree)
	resetDate := r.now().Add(fallbackPeriod)
	if err := r.userRepo.ApplyPlan(ctx, userID, models.PlanFree, freePlan.Credits, resetDate); err != nil {
		logger.CtxWithError(ctx, "failed to revert user to free plan", err, "user_id", userID)
	}
}

// normalizePeriod подставляет 30-дневный период, если провайдер не
// вернул границы.
func normalizePeriod(start, end time.Time, now time.Time) (time.Time, time.Time) {
	if start.IsZero() {
		start = now
	}
	if end.IsZero() || !end.After(start) {
		end = start.Add(fallbackPeriod)
	}
	return start, end
}

func marshalMetadata(md map[string]string) datatypes.JSON {
	if len(md) == 0 {
		return nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
