package persistence

import "errors"

// ErrNotFound indicates a row lookup found nothing.
var ErrNotFound = errors.New("record not found")
