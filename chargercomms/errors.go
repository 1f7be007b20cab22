package chargercomms

import "errors"

var (
	ErrDisabled     = errors.New("charger comms disabled")
	ErrNoSink       = errors.New("no outbound sink provided")
	ErrUnknownKey   = errors.New("unknown uart config key")
	ErrInvalidValue = errors.New("invalid uart config value")
)
