package extract

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inkfold/docket/errors"
)

//go:embed result_schema.json
var resultSchemaJSON string

var resultSchema = jsonschema.MustCompileString("result_schema.json", resultSchemaJSON)

// ValidateResult checks the engine's structured payload against the result
// schema before a job may complete. A mismatch is a permanent,
// validation-kind failure of the job, never a retry of the external job:
// the engine settled successfully, it just produced something we cannot use.
func ValidateResult(payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.NewValidationError("extraction payload is empty")
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return errors.Wrap(errors.ErrValidation, "extraction payload is not valid JSON: "+err.Error())
	}

	if err := resultSchema.Validate(doc); err != nil {
		// jsonschema's multi-line output is too noisy for an error_message
		// column; keep the first line.
		msg := err.Error()
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
		return errors.Wrap(errors.ErrValidation, "extraction payload failed schema validation: "+msg)
	}

	return nil
}
