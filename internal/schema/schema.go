package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const stage = `{
	"type": "object",
	"properties": {
		"image": {"type": "string", "minLength": 1},
		"env": {"$ref": "#/$defs/env"},
		"entrypoint": {"type": "array", "items": {"type": "string"}},
		"networking": {"type": "boolean"},
		"privileged": {"type": "boolean"},
		"hostname": {"type": "string"},
		"timeout": {"type": "number", "exclusiveMinimum": 0},
		"memory": {"type": "string"},
		"logs": {"type": "boolean"}
	},
	"required": ["image"],
	"additionalProperties": false
}`

const defs = `"$defs": {
	"env": {"type": "object", "additionalProperties": {"type": "string"}},
	"stage": ` + stage + `,
	"pipeline": {"type": "array", "items": {"$ref": "#/$defs/stage"}}
}`

var AssignmentConfig = jsonschema.MustCompileString("assignment_config.json", `{
	`+defs+`,
	"type": "object",
	"properties": {
		"env": {"$ref": "#/$defs/env"},
		"pre_processing_pipeline": {"$ref": "#/$defs/pipeline"},
		"student_pipeline": {"$ref": "#/$defs/pipeline", "minItems": 1},
		"post_processing_pipeline": {"$ref": "#/$defs/pipeline"}
	},
	"required": ["student_pipeline"],
	"additionalProperties": false
}`)

var GradingRun = jsonschema.MustCompileString("grading_run.json", `{
	`+defs+`,
	"type": "object",
	"properties": {
		"pre_processing_env": {"$ref": "#/$defs/env"},
		"students_env": {"type": "array", "items": {"$ref": "#/$defs/env"}},
		"post_processing_env": {"$ref": "#/$defs/env"}
	},
	"required": ["students_env"],
	"additionalProperties": false
}`)

// Accepts {course: [token, ...]} or {course: {tokens: [...], query_tokens: [...]}}
var CourseConfig = jsonschema.MustCompileString("course_config.json", `{
	"type": "object",
	"propertyNames": {"pattern": "^[-\\w]+$"},
	"additionalProperties": {
		"oneOf": [
			{"type": "array", "items": {"type": "string", "minLength": 1}},
			{
				"type": "object",
				"properties": {
					"tokens": {"type": "array", "items": {"type": "string", "minLength": 1}},
					"query_tokens": {"type": "array", "items": {"type": "string", "minLength": 1}}
				},
				"required": ["tokens"],
				"additionalProperties": false
			}
		]
	}
}`)

var JobResult = jsonschema.MustCompileString("job_result.json", `{
	"type": "object",
	"properties": {
		"grading_job_id": {"type": "string"},
		"success": {"type": "boolean"},
		"results": {"type": "array", "items": {"type": "object"}},
		"logs": {
			"type": "object",
			"properties": {
				"stdout": {"type": "string"},
				"stderr": {"type": "string"}
			},
			"additionalProperties": false
		}
	},
	"required": ["grading_job_id", "success", "results", "logs"],
	"additionalProperties": false
}`)

var WorkerRegistration = jsonschema.MustCompileString("worker_registration.json", `{
	"type": "object",
	"properties": {"hostname": {"type": "string", "minLength": 1}},
	"required": ["hostname"],
	"additionalProperties": false
}`)

var WSMessage = jsonschema.MustCompileString("ws_message.json", `{
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"args": {"type": "object"}
	},
	"required": ["type", "args"],
	"additionalProperties": false
}`)

var GradingJob = jsonschema.MustCompileString("grading_job.json", `{
	`+defs+`,
	"type": "object",
	"properties": {
		"grading_job_id": {"type": "string", "minLength": 1},
		"stages": {"$ref": "#/$defs/pipeline"}
	},
	"required": ["grading_job_id", "stages"],
	"additionalProperties": false
}`)

// Decodes raw JSON and validates it against s. Errors are either a decode error or a [*jsonschema.ValidationError].
func Validate(s *jsonschema.Schema, raw []byte) error {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()

	var doc any
	if err := d.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}

	return s.Validate(doc)
}
