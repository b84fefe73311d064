package errx

import "net/http"

// WrapModel marks a failure of the remote generation/classification
// service. These are turn-fatal: the executor aborts the turn instead of
// continuing with a partial answer.
func WrapModel(err error) *Error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, ModelErrorMessage)
}

// WrapSchemaViolation marks a classification result that could not be
// decoded against its required schema. Also turn-fatal.
func WrapSchemaViolation(err error) *Error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, SchemaViolationMessage)
}
