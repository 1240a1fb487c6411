package parser

import (
	"github.com/xeipuuv/gojsonschema"
)

// entrySchema describes the entries assistants are prompted to produce.
const entrySchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "response"],
    "properties": {
      "name": {"type": "string"},
      "response": {"type": "string"}
    }
  }
}`

var entrySchemaLoader = gojsonschema.NewStringLoader(entrySchema)

// CheckShape reports where a decoded result departs from the expected
// name/response layout. An empty slice means the result matches. Deviations
// are informational; the result is still usable.
func CheckShape(result Result) []string {
	report, err := gojsonschema.Validate(entrySchemaLoader, gojsonschema.NewGoLoader(result))
	if err != nil {
		return []string{err.Error()}
	}
	if report.Valid() {
		return nil
	}

	issues := make([]string, 0, len(report.Errors()))
	for _, e := range report.Errors() {
		issues = append(issues, e.String())
	}
	return issues
}
