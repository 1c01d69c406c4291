package llm

import (
	"encoding/json"
	"fmt"
)

// Validatable is implemented by every statically declared output schema.
type Validatable interface {
	Validate() error
}

// DecodeStructured extracts the JSON object from model output, decodes it into
// dst and runs dst's validation. All failures are *ValidationError.
func DecodeStructured(content string, dst Validatable) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return &ValidationError{Reason: "no JSON object in response"}
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return &ValidationError{Reason: "decode", Err: err}
	}

	if err := dst.Validate(); err != nil {
		if IsValidation(err) {
			return err
		}
		return &ValidationError{Err: fmt.Errorf("validate: %w", err)}
	}
	return nil
}
