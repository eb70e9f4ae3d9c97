package manager

import "errors"

var (
	ErrUnknownTarget      = errors.New("unknown target")
	ErrAlreadyRegistered  = errors.New("target already registered")
	ErrTargetRunning      = errors.New("target is being supervised; stop it first")
	ErrAlreadySupervised  = errors.New("target is already supervised")
	ErrUnregistering      = errors.New("target is being unregistered")
	ErrNotifierNotEnabled = errors.New("notifications are not configured for this target")
)
