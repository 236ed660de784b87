package model

import (
	"errors"
	"strconv"
)

// ErrConfig matches every *ConfigError via errors.Is.
var ErrConfig = errors.New("configuration error")

const (
	ReasonStorageMode    = "invalid storage mode"
	ReasonKeyManagerMode = "invalid key manager mode"
	ReasonMailerMode     = "invalid mailer mode"
)

// ConfigError is returned for an unrecognized backend mode. It is raised
// before any process is spawned and is never retried.
type ConfigError struct {
	Reason string
	Value  string
}

func (e *ConfigError) Error() string {
	return e.Reason + ": " + strconv.Quote(e.Value)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
