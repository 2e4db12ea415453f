package model

import "golemmarket/market/errkind"

var (
	errHashMismatch = errkind.New(errkind.Validation, errkind.CodeHashMismatch,
		"subscription id does not match the hash of its declared properties and constraints")
	errBadTimestamps = errkind.New(errkind.Validation, errkind.CodeMalformed,
		"subscription timestamps must satisfy creation_ts <= insertion_ts < expiration_ts")
)
