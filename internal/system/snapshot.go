// Package system detects immutable-per-run environment facts about the
// host: distribution, kernel, session, secure boot, GPU and the driver
// currently bound to it.
package system

import (
	"fmt"
	"time"
)

// DistroFamily identifies the supported distribution families.
type DistroFamily int

const (
	FamilyUnknown DistroFamily = iota
	FamilyDebian
	FamilyFedora
)

// String returns the string representation of the family.
func (f DistroFamily) String() string {
	switch f {
	case FamilyDebian:
		return "debian"
	case FamilyFedora:
		return "fedora"
	default:
		return "unknown"
	}
}

// SessionType identifies the desktop session type.
type SessionType int

const (
	SessionUnknown SessionType = iota
	SessionX11
	SessionWayland
	SessionTTY
)

// String returns the string representation of the session type.
func (s SessionType) String() string {
	switch s {
	case SessionX11:
		return "x11"
	case SessionWayland:
		return "wayland"
	case SessionTTY:
		return "tty"
	default:
		return "unknown"
	}
}

// DriverFamily identifies which driver family is bound to the GPU.
type DriverFamily int

const (
	DriverNone DriverFamily = iota
	DriverNouveau
	DriverProprietary
)

// String returns the string representation of the driver family.
func (d DriverFamily) String() string {
	switch d {
	case DriverNouveau:
		return "nouveau"
	case DriverProprietary:
		return "nvidia"
	default:
		return "none"
	}
}

// Driver describes the currently installed driver.
type Driver struct {
	Family  DriverFamily `json:"family"`
	Version string       `json:"version"`

	// FromRunfile is true when a proprietary driver is active but no
	// repository driver package owns it, meaning it came from a vendor
	// .run installer. Such installs leave modules and libraries the
	// package manager cannot remove.
	FromRunfile bool `json:"from_runfile"`
}

// String renders the driver descriptor for display.
func (d Driver) String() string {
	switch d.Family {
	case DriverNone:
		return "none"
	case DriverNouveau:
		return "nouveau"
	default:
		if d.FromRunfile {
			return fmt.Sprintf("nvidia %s (.run)", d.Version)
		}
		return fmt.Sprintf("nvidia %s", d.Version)
	}
}

// Kernel holds the parsed running kernel version.
type Kernel struct {
	Release string `json:"release"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
}

// AtLeast reports whether the kernel is at or above major.minor.
func (k Kernel) AtLeast(major, minor int) bool {
	if k.Major != major {
		return k.Major > major
	}
	return k.Minor >= minor
}

// Snapshot is an immutable record of the environment at detection time.
// A stale snapshot must be discarded and re-detected, never patched.
type Snapshot struct {
	DistroName       string       `json:"distro_name"`
	Family           DistroFamily `json:"family"`
	Kernel           Kernel       `json:"kernel"`
	Session          SessionType  `json:"session"`
	SecureBoot       bool         `json:"secure_boot"`
	GPUModel         string       `json:"gpu_model"`
	Driver           Driver       `json:"driver"`
	NetworkReachable bool         `json:"network_reachable"`

	// Arch is the NVIDIA download architecture tag (Linux-x86_64 etc).
	Arch string `json:"arch"`

	// DNFCommand is dnf5 when available on Fedora, dnf otherwise.
	DNFCommand string `json:"dnf_command"`

	DetectedAt time.Time `json:"detected_at"`
}

// DetectionError means environment facts could not be established.
type DetectionError struct {
	Reason string
	Err    error
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("detection failed: %s", e.Reason)
}

func (e *DetectionError) Unwrap() error { return e.Err }
