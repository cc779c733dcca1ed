package apperrors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode - тип для кодов ошибок
type ErrorCode string

// AppError - основная структура ошибки приложения
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Details  interface{} `json:"details,omitempty"`
	Err      error       `json:"-"`
	HTTPCode int         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Конструктор
func New(code ErrorCode, message string, httpCode int) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		HTTPCode: httpCode,
	}
}

// С цепочкой ошибок
func Wrap(err error, code ErrorCode, message string, httpCode int) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Err:      err,
		HTTPCode: httpCode,
	}
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// Для маршалинга в JSON
func (e *AppError) MarshalJSON() ([]byte, error) {
	type alias struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}
	return json.Marshal(&alias{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал и для клонов,
// созданных WithDetails.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Is - обертка над стандартной функцией errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As - обертка над стандартной функцией errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Предопределенные ошибки
var (
	// Аутентификация
	ErrInvalidCredentials = New(CodeInvalidCredentials, "Invalid email or password", http.StatusUnauthorized)
	ErrUnauthorized       = New(CodeUnauthorized, "User not authenticated", http.StatusUnauthorized)
	ErrForbidden          = New(CodeForbidden, "Access denied", http.StatusForbidden)
	ErrInvalidToken       = New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
	ErrWeakPassword       = New(CodeWeakPassword, "Password must be at least 8 characters", http.StatusBadRequest)

	// Пользователи
	ErrUserNotFound       = New(CodeUserNotFound, "User not found", http.StatusNotFound)
	ErrEmailAlreadyExists = New(CodeEmailAlreadyExists, "Email already exists", http.StatusConflict)

	// Валидация
	ErrValidationFailed = New(CodeValidationFailed, "Validation failed", http.StatusBadRequest)

	// Планы и подписки
	ErrInvalidPlanType       = New(CodeInvalidPlanType, "Invalid plan type", http.StatusBadRequest)
	ErrPlanTypeMissing       = New(CodePlanTypeMissing, "Plan type not found in session", http.StatusBadRequest)
	ErrSubscriptionNotFound  = New(CodeSubscriptionNotFound, "No active subscription found", http.StatusNotFound)
	ErrSubscriptionExists    = New(CodeSubscriptionExists, "This subscription may already exist", http.StatusBadRequest)
	ErrSubscriptionNotActive = New(CodeSubscriptionNotActive, "Only active subscriptions can be canceled", http.StatusBadRequest)
	ErrAdminGrantSelfCancel  = New(CodeAdminGrantNotSelfServe, "Admin-granted subscriptions cannot be canceled by users", http.StatusBadRequest)

	// Кредиты и лимиты
	ErrCreditLimitReached    = New(CodeCreditLimitReached, "Credit limit reached", http.StatusForbidden)
	ErrThumbnailLimitReached = New(CodeThumbnailLimitReached, "Thumbnail limit reached for this month", http.StatusForbidden)

	// Биллинг-провайдер
	ErrPaymentNotCompleted = New(CodePaymentNotCompleted, "Payment not completed", http.StatusBadRequest)
	ErrInvalidSignature    = New(CodeInvalidSignature, "Webhook signature verification failed", http.StatusBadRequest)
)

// Функции-помощники для создания стандартных ошибок

func ValidationError(details interface{}) *AppError {
	return ErrValidationFailed.WithDetails(details)
}

func InternalError(err error) *AppError {
	return Wrap(err, CodeInternalError, "Internal server error", http.StatusInternalServerError)
}

// ProviderError прячет сырую ошибку провайдера от клиента; в лог попадает
// только код, чтобы не утекали платежные детали.
func ProviderError(err error) *AppError {
	return Wrap(err, CodeProviderError, "Payment provider request failed", http.StatusInternalServerError)
}

func NewBadRequestError(message string) *AppError {
	return New(CodeValidationFailed, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func NewNotFoundError(message string) *AppError {
	return New(CodeUserNotFound, message, http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return New(CodeInternalError, message, http.StatusInternalServerError)
}
