package srverr

import "errors"

// A value stored on the echo context did not have the expected type
var ErrTypeAssertMismatch = errors.New("type assertion mismatch")
