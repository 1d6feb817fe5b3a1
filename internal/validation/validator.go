package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/feed-data-realtime/internal/models"
)

// Validator wraps go-playground/validator for both Gin handlers and raw frames.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so errors read like the wire format.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// Struct validates payload and returns the first failure in a readable form.
func (v *Validator) Struct(payload any) error {
	if err := v.v.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}

func (v *Validator) ValidateStruct(ctx *gin.Context, payload any) bool {
	if err := v.Struct(payload); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// DecodeEnvelope parses one inbound frame into an Envelope. Unknown fields are
// tolerated; missing or invalid ones are not.
func (v *Validator) DecodeEnvelope(data []byte) (models.Envelope, error) {
	var frame models.EnvelopeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := v.Struct(frame); err != nil {
		return models.Envelope{}, fmt.Errorf("validate envelope: %w", err)
	}
	return frame.Envelope(), nil
}
