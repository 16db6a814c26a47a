package validation

import (
	"github.com/3FT-io/plategen/pkg/plate"
)

// MaxPinCount is the largest number of pivot pins a plate can carry.
const MaxPinCount = 12

// Validator checks a configuration against manufacturing constraints.
type Validator interface {
	Validate(cfg plate.Configuration) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(cfg plate.Configuration) error

func (f ValidatorFunc) Validate(cfg plate.Configuration) error {
	return f(cfg)
}

// Default is the validator used when none is configured.
var Default Validator = ValidatorFunc(Validate)

// Validate checks the fields of cfg in a fixed order and returns a *Error for
// the first one that fails:
// bolt spacing, bolt size, bracket height, bracket width, pin diameter,
// pin count, plate thickness, material.
func Validate(cfg plate.Configuration) error {
	checks := []func() error{
		func() error { return ValidateBoltSpacing(cfg.BoltSpacing) },
		func() error { return ValidateBoltSize(cfg.BoltSize) },
		func() error { return ValidateBracketHeight(cfg.BracketHeight) },
		func() error { return ValidateBracketWidth(cfg.BracketWidth) },
		func() error { return ValidatePinDiameter(cfg.PinDiameter) },
		func() error { return ValidatePinCount(cfg.PinCount) },
		func() error { return ValidatePlateThickness(cfg.PlateThickness) },
		func() error { return ValidateMaterial(cfg.Material) },
	}

	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func ValidateBoltSpacing(v plate.Millimeters) error {
	if v == 0 {
		return &Error{Code: CodeBoltSpacingTooSmall}
	}
	return nil
}

func ValidateBoltSize(v plate.BoltSize) error {
	if !v.IsValid() {
		return &Error{Code: CodeBoltSizeInvalid}
	}
	return nil
}

func ValidateBracketHeight(v plate.Millimeters) error {
	if v == 0 {
		return &Error{Code: CodeBracketHeightInvalid}
	}
	return nil
}

func ValidateBracketWidth(v plate.Millimeters) error {
	if v == 0 {
		return &Error{Code: CodeBracketWidthInvalid}
	}
	return nil
}

func ValidatePinDiameter(v plate.Millimeters) error {
	if v == 0 {
		return &Error{Code: CodePinDiameterInvalid}
	}
	return nil
}

// ValidatePinCount enforces 1 <= v <= MaxPinCount.
func ValidatePinCount(v uint16) error {
	switch {
	case v == 0:
		return &Error{Code: CodePinCountTooSmall}
	case v > MaxPinCount:
		return &Error{Code: CodePinCountTooLarge}
	}
	return nil
}

func ValidatePlateThickness(v plate.Millimeters) error {
	if v == 0 {
		return &Error{Code: CodePlateThicknessInvalid}
	}
	return nil
}

func ValidateMaterial(v plate.Material) error {
	if !v.IsValid() {
		return &Error{Code: CodeMaterialInvalid}
	}
	return nil
}
