package peerconn

import "errors"

var (
	errBadHashLen      = errors.New("peerconn: hello hash_len must be 16")
	errUnexpectedState = errors.New("peerconn: message not valid in current state")
	errFileUnknown     = errors.New("peerconn: file_request hash not recognized locally")
	errNotAttached     = errors.New("peerconn: connection is not attached to a transfer")
)
