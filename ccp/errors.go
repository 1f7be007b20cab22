package ccp

import "errors"

var (
	ErrBusy                = errors.New("ccp: message already awaiting answer")
	ErrNotAdmitted         = errors.New("ccp: transport refused frame")
	ErrUnregisteredChannel = errors.New("ccp: channel not registered")
	ErrChannelRegistered   = errors.New("ccp: channel already registered")
	ErrInvalidChannel      = errors.New("ccp: invalid channel")
	ErrInvalidDestination  = errors.New("ccp: invalid destination")
	ErrInvalidMsgID        = errors.New("ccp: invalid message id")
	ErrNilObserver         = errors.New("ccp: nil observer")
	ErrBroadcastAnswer     = errors.New("ccp: broadcast cannot request an answer")
	ErrInvalidPoll         = errors.New("ccp: poll count must be positive")
)
