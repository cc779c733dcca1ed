package handlers

// AppHandlers содержит все хэндлеры приложения.
type AppHandlers struct {
	AuthHandler         *AuthHandler
	PlanHandler         *PlanHandler
	SubscriptionHandler *SubscriptionHandler
	UsageHandler        *UsageHandler
	AdminHandler        *AdminHandler
}
