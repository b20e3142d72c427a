package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type (
	Error struct {
		Fields  *map[string]string `json:"fields,omitempty" validate:"optional"`
		Message string             `json:"message"          validate:"required"`
	}
)

func (e Error) Error() string {
	return e.Message
}

func StringError(err string) Error {
	return Error{Message: err}
}

func ValidationError(err error) Error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if ok {
		errorMap := make(map[string]string)
		for _, fieldError := range validationErrors {
			errorMap[fieldError.Field()] = fmt.Sprintf(
				"Failed to validate while checking condition: %s",
				fieldError.Tag(),
			)
		}

		return Error{Message: "validation error", Fields: &errorMap}
	}

	return Error{Message: "validation error"}
}

// Flattens a json schema failure into keyword location -> message
func SchemaError(message string, err error) Error {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return Error{Message: message}
	}

	errs := validationErr.BasicOutput().Errors
	fieldMap := make(map[string]string, len(errs))
	for _, e := range errs {
		if e.Error == "" {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		fieldMap[loc] = e.Error
	}

	return Error{Message: message, Fields: &fieldMap}
}
