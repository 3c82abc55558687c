// Package validator checks raw backend output against the response schema
// before callers are allowed to trust it.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"

	playground "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/models"
)

// SchemaError reports a deterministic schema violation. It is never retried:
// the same input produces the same violation.
type SchemaError struct {
	// Field is the offending field name
	Field string

	// Reason describes the violation
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation in field %q: %s", e.Field, e.Reason)
}

// RecoveryStrategy attempts to rescue a parseable payload from malformed
// backend output. It is best-effort and non-guaranteed: returning ok=false
// means the output stays rejected.
type RecoveryStrategy interface {
	Recover(raw string) (recovered string, ok bool)
}

// Validator parses raw backend text into a validated AIResponse. One bounded
// recovery pass runs on parse failure; all field violations surface as
// *SchemaError naming the field.
type Validator struct {
	minConfidence float64
	maxConfidence float64
	recovery      RecoveryStrategy
	validate      *playground.Validate
	logger        *zap.Logger
}

// New builds a validator from config. Recovery may be nil to disable the
// rescue pass.
func New(cfg config.ValidatorConfig, recovery RecoveryStrategy, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.RecoveryEnabled {
		recovery = nil
	}
	return &Validator{
		minConfidence: cfg.MinConfidence,
		maxConfidence: cfg.MaxConfidence,
		recovery:      recovery,
		validate:      playground.New(),
		logger:        logger,
	}
}

// wireResponse uses pointers so a missing field is distinguishable from a
// legal zero value (confidence 0.0 is valid; absent confidence is not).
type wireResponse struct {
	Content    *string  `json:"content"`
	Confidence *float64 `json:"confidence"`
	Error      *string  `json:"error"`
}

// Validate parses and checks raw output. On success the returned AIResponse
// satisfies every schema constraint, including confidence within the
// inclusive configured range. Out-of-range values are rejected, never
// clamped.
func (v *Validator) Validate(backend, raw string) (*models.AIResponse, error) {
	var wire wireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		recovered, rerr := v.tryRecover(backend, raw)
		if rerr != nil {
			return nil, rerr
		}
		wire = *recovered
	}

	if wire.Content == nil {
		return nil, &SchemaError{Field: "content", Reason: "required field is missing"}
	}
	if *wire.Content == "" {
		return nil, &SchemaError{Field: "content", Reason: "must not be empty"}
	}
	if wire.Confidence == nil {
		return nil, &SchemaError{Field: "confidence", Reason: "required field is missing"}
	}
	if *wire.Confidence < v.minConfidence || *wire.Confidence > v.maxConfidence {
		return nil, &SchemaError{
			Field:  "confidence",
			Reason: fmt.Sprintf("value %g outside range [%g, %g]", *wire.Confidence, v.minConfidence, v.maxConfidence),
		}
	}

	resp := &models.AIResponse{
		Content:    *wire.Content,
		Confidence: *wire.Confidence,
	}
	if wire.Error != nil {
		resp.Error = *wire.Error
	}

	// Struct-tag validation backs the manual checks; it catches drift if
	// the schema grows fields.
	if err := v.validate.Struct(resp); err != nil {
		var verrs playground.ValidationErrors
		if ok := errors.As(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &SchemaError{
				Field:  jsonFieldName(fe.Field()),
				Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
			}
		}
		return nil, &SchemaError{Field: "response", Reason: err.Error()}
	}

	return resp, nil
}

// tryRecover runs the single bounded recovery pass. A second parse failure
// is a schema violation, not a transient failure.
func (v *Validator) tryRecover(backend, raw string) (*wireResponse, error) {
	if v.recovery == nil {
		return nil, &SchemaError{Field: "response", Reason: "output is not valid JSON"}
	}

	recovered, ok := v.recovery.Recover(raw)
	if !ok {
		return nil, &SchemaError{Field: "response", Reason: "output is not valid JSON and recovery found no payload"}
	}

	v.logger.Debug("recovered payload from malformed backend output",
		zap.String("backend", backend),
	)

	var wire wireResponse
	if err := json.Unmarshal([]byte(recovered), &wire); err != nil {
		return nil, &SchemaError{Field: "response", Reason: "recovered payload is still not valid JSON"}
	}
	return &wire, nil
}

func jsonFieldName(structField string) string {
	switch structField {
	case "Content":
		return "content"
	case "Confidence":
		return "confidence"
	case "Error":
		return "error"
	default:
		return structField
	}
}
