package apperrors

// Коды ошибок сгруппированные по доменам
const (
	// Аутентификация и авторизация
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"

	// Валидация
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeWeakPassword     ErrorCode = "WEAK_PASSWORD"

	// Ресурсы
	CodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	CodeSubscriptionNotFound ErrorCode = "SUBSCRIPTION_NOT_FOUND"

	// Бизнес-логика: планы и кредиты
	CodeInvalidPlanType        ErrorCode = "INVALID_PLAN_TYPE"
	CodePlanTypeMissing        ErrorCode = "PLAN_TYPE_MISSING"
	CodeCreditLimitReached     ErrorCode = "CREDIT_LIMIT_REACHED"
	CodeThumbnailLimitReached  ErrorCode = "THUMBNAIL_LIMIT_REACHED"
	CodeSubscriptionExists     ErrorCode = "SUBSCRIPTION_EXISTS"
	CodeSubscriptionNotActive  ErrorCode = "SUBSCRIPTION_NOT_ACTIVE"
	CodeAdminGrantNotSelfServe ErrorCode = "ADMIN_GRANT_NOT_SELF_SERVE"
	CodeEmailAlreadyExists     ErrorCode = "EMAIL_ALREADY_EXISTS"

	// Биллинг-провайдер
	CodePaymentNotCompleted ErrorCode = "PAYMENT_NOT_COMPLETED"
	CodeInvalidSignature    ErrorCode = "INVALID_SIGNATURE"
	CodeProviderError       ErrorCode = "PAYMENT_PROVIDER_ERROR"

	// Системные ошибки
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeDatabaseError ErrorCode = "DATABASE_ERROR"
)
