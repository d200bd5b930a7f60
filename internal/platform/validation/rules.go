package validation

import (
	"github.com/go-playground/validator/v10"
)

func registerRules(v *validator.Validate) error {
	if err := v.RegisterValidation("fdi_tooth", isFDITooth); err != nil {
		return err
	}
	if err := v.RegisterValidation("urgency", isUrgency); err != nil {
		return err
	}
	if err := v.RegisterValidation("piece_kind", isPieceKind); err != nil {
		return err
	}
	return nil
}

// ValidTooth reports whether s is a two-digit FDI tooth number: quadrants
// 1-4 hold permanent teeth 1-8, quadrants 5-8 deciduous teeth 1-5.
func ValidTooth(s string) bool {
	if len(s) != 2 || s[0] < '1' || s[0] > '8' || s[1] < '1' {
		return false
	}
	if s[0] <= '4' {
		return s[1] <= '8'
	}
	return s[1] <= '5'
}

// Applied with dive on []string fields.
func isFDITooth(fl validator.FieldLevel) bool {
	return ValidTooth(fl.Field().String())
}

func isUrgency(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "normal", "urgent", "emergency":
		return true
	}
	return false
}

func isPieceKind(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "temporary", "definitive":
		return true
	}
	return false
}
