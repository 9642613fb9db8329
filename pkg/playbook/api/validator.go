package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	playgroundvalidator "github.com/go-playground/validator/v10"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/approvals"
)

// ValidationErrors wraps the validator's field errors so they report the
// JSON names of the offending fields.
type ValidationErrors []playgroundvalidator.FieldError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), describeTag(fe)))
	}
	return "validation failed on fields: " + strings.Join(fields, ", ")
}

func describeTag(fe playgroundvalidator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "asset_type":
		return "must be PRODUCTS, PAGES or COLLECTIONS"
	case "verdict":
		return "must be approve or reject"
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	}
	return fe.Tag()
}

// Validator validates decoded request bodies.
type Validator struct {
	validate *playgroundvalidator.Validate
}

// NewValidator creates a Validator with the playbook tags registered.
func NewValidator() *Validator {
	v := playgroundvalidator.New(playgroundvalidator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("asset_type", validateAssetType)
	_ = v.RegisterValidation("verdict", validateVerdict)
	return &Validator{validate: v}
}

func validateAssetType(fl playgroundvalidator.FieldLevel) bool {
	return playbook.AssetType(fl.Field().String()).Valid()
}

func validateVerdict(fl playgroundvalidator.FieldLevel) bool {
	v := approvals.Verdict(fl.Field().String())
	return v == approvals.VerdictApprove || v == approvals.VerdictReject
}

// Validate checks i against its validate tags.
func (v *Validator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var fieldErrs playgroundvalidator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return ValidationErrors(fieldErrs)
		}
		return err
	}
	return nil
}
