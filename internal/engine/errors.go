package engine

import "errors"

// ErrInvalidRequest is returned when a request is missing its required
// context or objective. Rejected before any external call.
var ErrInvalidRequest = errors.New("request requires both context and objective")

var errNoDrafter = errors.New("no model configured")
