package dht

import "errors"

// ErrRecordTooLarge is returned when a client tries to publish a record
// beyond the protocol's admission limits.
var ErrRecordTooLarge = errors.New("record exceeds key/value size limits")
