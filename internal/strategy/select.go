package strategy

import (
	"errors"
	"fmt"

	"nvman/internal/system"
)

// Sentinel causes for selection failures.
var (
	ErrUnsupportedKernel       = errors.New("kernel version too old")
	ErrUnsupportedDistribution = errors.New("unsupported distribution")
)

// SelectionError means no valid strategy exists for the request and
// environment pair. It wraps one of the sentinel causes above.
type SelectionError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("cannot select %s: %s", e.Kind, e.Reason)
}

func (e *SelectionError) Unwrap() error { return e.Err }

// nvkMinKernel is the minimum kernel for the open-source stack. Older
// kernels lack the nouveau GSP support NVK depends on.
const (
	nvkMinKernelMajor = 6
	nvkMinKernelMinor = 0
)

// Select validates the requested kind against the snapshot and returns
// the fully-parameterized strategy. version and pkg parameterize repo and
// .run strategies; both may be empty for NVK and Uninstall.
func Select(kind Kind, snap *system.Snapshot, version, pkg string) (*Strategy, error) {
	build, ok := stepTable[tableKey{kind, snap.Family}]
	if !ok {
		return nil, &SelectionError{
			Kind:   kind,
			Reason: fmt.Sprintf("no step sequence for distribution family %q", snap.Family),
			Err:    ErrUnsupportedDistribution,
		}
	}

	if kind == NVK && !snap.Kernel.AtLeast(nvkMinKernelMajor, nvkMinKernelMinor) {
		return nil, &SelectionError{
			Kind: kind,
			Reason: fmt.Sprintf("kernel %s is below the required %d.%d",
				snap.Kernel.Release, nvkMinKernelMajor, nvkMinKernelMinor),
			Err: ErrUnsupportedKernel,
		}
	}

	p := params{
		kernel:  snap.Kernel.Release,
		dnf:     snap.DNFCommand,
		version: version,
		pkg:     pkg,
	}
	if p.dnf == "" {
		p.dnf = "dnf"
	}
	if (kind == RepoStable || kind == RepoLatest) && snap.Family == system.FamilyDebian && p.pkg == "" {
		p.pkg = "nvidia-driver-580-open"
	}

	s := &Strategy{
		Kind:          kind,
		Name:          kind.String(),
		Steps:         build(p),
		TargetVersion: version,
	}

	switch kind {
	case NVK:
		s.RemovesExistingDriver = true
		s.NeedsNetwork = true
		s.MinKernelMajor = nvkMinKernelMajor
		s.MinKernelMinor = nvkMinKernelMinor
		s.ExpectedDriver = system.DriverNouveau
	case RepoStable, RepoLatest:
		s.RemovesExistingDriver = true
		s.NeedsNetwork = true
		s.ExpectedDriver = system.DriverProprietary
	case RunProduction, RunNewFeature, RunBeta, RunLegacy:
		s.RequiresRebootDeferral = true
		s.RemovesExistingDriver = true
		s.NeedsNetwork = true
		s.ExpectedDriver = system.DriverProprietary
	case Uninstall:
		s.RemovesExistingDriver = true
		s.ExpectedDriver = system.DriverNouveau
	}

	return s, nil
}
