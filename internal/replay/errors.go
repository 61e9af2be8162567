package replay

import "errors"

// ErrInvalidRange is returned when a filter's slot bounds are reversed.
var ErrInvalidRange = errors.New("from slot is after to slot")
