package base58

import "errors"

// Errors returned by CheckDecode.
var (
	ErrChecksum      = errors.New("checksum mismatch")
	ErrInvalidFormat = errors.New("invalid format: version and/or checksum bytes missing")
)
