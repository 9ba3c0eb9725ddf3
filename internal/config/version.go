package config

import "fmt"

// CurrentVersion is the config file version this build reads. An omitted
// version is treated as current.
const CurrentVersion = 1

// VersionError reports a config file written for another build.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	if e.Version > CurrentVersion {
		return fmt.Sprintf("config version %d needs a newer switchboard (this build reads %d)", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported (this build reads %d)", e.Version, CurrentVersion)
}

// ValidateVersion rejects versions other than CurrentVersion.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version}
	}
	return nil
}
