// Package validation registers the custom binding tags used by request DTOs.
package validation

import (
	"fmt"

	"fieldops-security/internal/domain/security"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Register adds the custom tags to gin's validator.
func Register() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("validation: unexpected binding engine %T", binding.Validator.Engine())
	}
	return RegisterOn(v)
}

func RegisterOn(v *validator.Validate) error {
	return v.RegisterValidation("termination_reason", func(fl validator.FieldLevel) bool {
		return security.TerminationReason(fl.Field().String()).Valid()
	})
}
