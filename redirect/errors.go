package redirect

import "errors"

var (
	errNotOpen        = errors.New("redirect: host has no device bound")
	errAlreadyClaimed = errors.New("redirect: interfaces already claimed")
	errTooManyIfaces  = errors.New("redirect: configuration has more than 32 interfaces")
	errBadEndpoint    = errors.New("redirect: endpoint type mismatch")
	errBadParam       = errors.New("redirect: parameter out of range")
)
