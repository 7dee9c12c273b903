package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the config schema version this build reads. Files that
// omit `version` are treated as current.
const CurrentVersion = 1

var (
	// ErrVersionTooNew means the file was written for a later datachat.
	ErrVersionTooNew = errors.New("config version is newer than this build")

	// ErrVersionInvalid means the version is not a positive schema number.
	ErrVersionInvalid = errors.New("config version must be a positive integer")
)

// VersionError reports a config file this build cannot read.
type VersionError struct {
	Version int
	Err     error
}

func (e *VersionError) Error() string {
	if errors.Is(e.Err, ErrVersionTooNew) {
		return fmt.Sprintf("version %d: %v (supports %d); upgrade datachat", e.Version, e.Err, CurrentVersion)
	}
	return fmt.Sprintf("version %d: %v", e.Version, e.Err)
}

func (e *VersionError) Unwrap() error { return e.Err }

// ValidateVersion rejects versions this build does not understand.
func ValidateVersion(version int) error {
	switch {
	case version < 1:
		return &VersionError{Version: version, Err: ErrVersionInvalid}
	case version > CurrentVersion:
		return &VersionError{Version: version, Err: ErrVersionTooNew}
	}
	return nil
}
