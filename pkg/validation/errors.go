package validation

import (
	"fmt"
	"strings"

	"github.com/3FT-io/plategen/pkg/plate"
)

// Code identifies which constraint a configuration violated.
type Code int

const (
	CodeBoltSpacingTooSmall Code = iota + 1
	CodeBoltSizeInvalid
	CodeBracketHeightInvalid
	CodeBracketWidthInvalid
	CodePinDiameterInvalid
	CodePinCountTooSmall
	CodePinCountTooLarge
	CodePlateThicknessInvalid
	CodeMaterialInvalid
)

var codeFields = map[Code]string{
	CodeBoltSpacingTooSmall:   "bolt_spacing",
	CodeBoltSizeInvalid:       "bolt_size",
	CodeBracketHeightInvalid:  "bracket_height",
	CodeBracketWidthInvalid:   "bracket_width",
	CodePinDiameterInvalid:    "pin_diameter",
	CodePinCountTooSmall:      "pin_count",
	CodePinCountTooLarge:      "pin_count",
	CodePlateThicknessInvalid: "plate_thickness",
	CodeMaterialInvalid:       "material",
}

// Field returns the JSON name of the offending configuration field.
func (c Code) Field() string {
	return codeFields[c]
}

// Error reports a single violated constraint.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeBoltSpacingTooSmall:
		return "bolt spacing must be greater than 0"
	case CodeBoltSizeInvalid:
		return "bolt size must be one of " + joinNames(plate.BoltSizes())
	case CodeBracketHeightInvalid:
		return "bracket height must be greater than 0"
	case CodeBracketWidthInvalid:
		return "bracket width must be greater than 0"
	case CodePinDiameterInvalid:
		return "pin diameter must be greater than 0"
	case CodePinCountTooSmall:
		return "pin count must be at least 1"
	case CodePinCountTooLarge:
		return fmt.Sprintf("pin count must be at most %d", MaxPinCount)
	case CodePlateThicknessInvalid:
		return "plate thickness must be greater than 0"
	case CodeMaterialInvalid:
		return "material must be one of " + joinNames(plate.Materials())
	default:
		return fmt.Sprintf("validation failed (code %d)", int(e.Code))
	}
}

// Field returns the JSON name of the offending configuration field.
func (e *Error) Field() string {
	return e.Code.Field()
}

func joinNames[T fmt.Stringer](values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = v.String()
	}
	return strings.Join(names, ", ")
}
