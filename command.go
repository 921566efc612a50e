package accounts

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

const commandTimeout = 10 * time.Second

func checkContext(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during "+op)
	default:
		return nil
	}
}

// commandError passes rich errors through and wraps the rest
func commandError(err error, op string) error {
	if err == nil {
		return nil
	}
	return asRichError(err, op+" failed")
}

// ValidationError wraps field errors from ozzo-validation so forms can
// render them next to each field.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid form input").
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{"fields": FormatValidationErrorToMap(err)})
}

// FormatValidationErrorToMap flattens ozzo-validation errors into a field to
// message map. Rich errors carrying a field map are unwrapped first.
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	if err == nil {
		return out
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if fields, ok := richErr.Metadata["fields"].(map[string]string); ok {
			return fields
		}
		if richErr.TextCode == TextCodeWeakPassword {
			out["password"] = richErr.Message
			return out
		}
		if richErr.TextCode == TextCodeDuplicateEmail {
			out["email"] = richErr.Message
			return out
		}
		if richErr.TextCode == TextCodeCurrentPassword {
			out["current_password"] = richErr.Message
			return out
		}
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}

	out["form"] = err.Error()
	return out
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}
