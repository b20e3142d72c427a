package workererrors

import (
	"errors"
	"fmt"
)

// Process exit codes of the grader
const (
	ExitOK       = 0
	ExitErrored  = 1
	ExitRegister = 2
	ExitRejected = 3
)

// Carries an exit code along with an error so the app can exit correctly
type ExitError struct {
	Err  error
	Code int
}

func (e ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}

	return fmt.Sprintf("exit %d: %s", e.Code, e.Err.Error())
}

func (e ExitError) Unwrap() error {
	return e.Err
}

// Wrap an error with an exit code, nil stays nil
func ExitErrorWrap(code int, err error) error {
	if err == nil {
		return nil
	}
	return ExitError{Code: code, Err: err}
}

// Exit code for err: the wrapped code of an [ExitError], otherwise [ExitErrored]
func Code(err error) int {
	if err == nil {
		return ExitOK
	}

	var ee ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitErrored
}
