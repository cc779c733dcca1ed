package validator

import (
	"fmt"
	"log"
	"strings"

	"thumbforge_backend/internal/models"

	"github.com/go-playground/validator/v10"
)

// ValidationError - ошибки валидации по полям
type ValidationError struct {
	Errors map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for field, msg := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()
	registerCustomRules(v)
	return &Validator{validate: v}
}

// Validate проверяет структуру и возвращает *ValidationError при нарушениях.
func (v *Validator) Validate(obj interface{}) error {
	err := v.validate.Struct(obj)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	details := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = messageForTag(fe)
	}
	return &ValidationError{Errors: details}
}

// registerCustomRules регистрирует кастомные правила валидации.
func registerCustomRules(v *validator.Validate) {
	mustRegister := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			// Ошибка регистрации правила - критическая, приложение не должно стартовать
			log.Fatalf("failed to register custom validation tag '%s': %v", tag, err)
		}
	}

	// 'is-plan-type': проверяет, что значение - известный тип плана
	mustRegister("is-plan-type", validatePlanType)
}

func validatePlanType(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // пустые значения проверяет 'required'
	}
	return models.ValidPlanType(models.PlanType(value))
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "is-plan-type":
		return "must be one of: free, basic, pro, enterprise"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
