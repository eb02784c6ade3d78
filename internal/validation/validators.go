package validation

import (
	"fmt"
	"strings"

	"github.com/benvon/liftlog/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/ulule/limiter/v3"
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	// Register custom validators for policy fields
	if err := Validate.RegisterValidation("policy_kind", validatePolicyKind); err != nil {
		panic(fmt.Sprintf("failed to register policy_kind validator: %v", err))
	}
	if err := Validate.RegisterValidation("ratelimit_rate", validateRate); err != nil {
		panic(fmt.Sprintf("failed to register ratelimit_rate validator: %v", err))
	}
}

// validatePolicyKind validates that a string is a valid PolicyKind enum value
func validatePolicyKind(fl validator.FieldLevel) bool {
	return ValidatePolicyKind(fl.Field().String()) == nil
}

// validateRate validates a formatted rate such as "5-S", "100-M" or "1000-H"
func validateRate(fl validator.FieldLevel) bool {
	_, err := ParseRate(fl.Field().String())
	return err == nil
}

// ValidatePolicyKind validates a PolicyKind string value
func ValidatePolicyKind(value string) error {
	switch models.PolicyKind(value) {
	case models.PolicyKindAnonymous, models.PolicyKindDual:
		return nil
	default:
		return fmt.Errorf("invalid kind: %s (must be 'anonymous' or 'dual')", value)
	}
}

// ParseRate parses a formatted rate ("<limit>-<period>", period one of S, M, H, D).
func ParseRate(value string) (limiter.Rate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return limiter.Rate{}, fmt.Errorf("rate cannot be empty")
	}
	rate, err := limiter.NewRateFromFormatted(value)
	if err != nil {
		return limiter.Rate{}, fmt.Errorf("invalid rate %q: %w", value, err)
	}
	if rate.Limit <= 0 {
		return limiter.Rate{}, fmt.Errorf("invalid rate %q: limit must be positive", value)
	}
	return rate, nil
}
