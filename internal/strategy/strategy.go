// Package strategy maps a requested driver family and a detected
// environment to a concrete, ordered sequence of privileged steps.
// Per-distribution variation lives in a step table keyed by
// (kind, distribution family): adding a distribution means adding table
// rows, not new conditionals.
package strategy

import (
	"fmt"
	"time"

	"nvman/internal/sysexec"
	"nvman/internal/system"
)

// Kind enumerates the closed set of installation strategies.
type Kind int

const (
	// NVK installs the open-source graphics stack (Mesa/NVK on nouveau).
	NVK Kind = iota
	// RepoStable installs the second-newest proprietary driver from the
	// distribution repositories.
	RepoStable
	// RepoLatest installs the newest proprietary driver from the
	// distribution repositories.
	RepoLatest
	// RunProduction through RunLegacy install a vendor .run file at the
	// given revision tier. These cannot run inside a graphical session
	// and are staged for the next boot.
	RunProduction
	RunNewFeature
	RunBeta
	RunLegacy
	// Uninstall removes the NVIDIA driver and restores nouveau.
	Uninstall
)

// String returns the strategy kind name.
func (k Kind) String() string {
	switch k {
	case NVK:
		return "nvk"
	case RepoStable:
		return "repo-stable"
	case RepoLatest:
		return "repo-latest"
	case RunProduction:
		return "run-production"
	case RunNewFeature:
		return "run-new-feature"
	case RunBeta:
		return "run-beta"
	case RunLegacy:
		return "run-legacy"
	case Uninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// ParseKind maps a CLI name to a Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range []Kind{NVK, RepoStable, RepoLatest, RunProduction, RunNewFeature, RunBeta, RunLegacy, Uninstall} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// IsRunfile reports whether the kind installs from a vendor .run file.
func (k Kind) IsRunfile() bool {
	switch k {
	case RunProduction, RunNewFeature, RunBeta, RunLegacy:
		return true
	}
	return false
}

// RunLabel returns the vendor tier label for .run kinds.
func (k Kind) RunLabel() string {
	switch k {
	case RunProduction:
		return "Production"
	case RunNewFeature:
		return "New Feature"
	case RunBeta:
		return "Beta"
	case RunLegacy:
		return "Legacy"
	default:
		return ""
	}
}

// Strategy is a validated, fully-parameterized installation plan.
type Strategy struct {
	Kind  Kind
	Name  string
	Steps []sysexec.Command

	// RequiresRebootDeferral marks strategies that must be staged for
	// the next boot instead of executing inside the session.
	RequiresRebootDeferral bool

	// RemovesExistingDriver marks strategies whose steps purge the
	// currently installed driver.
	RemovesExistingDriver bool

	// NeedsNetwork marks strategies that download packages or files.
	NeedsNetwork bool

	// MinKernelMajor and MinKernelMinor gate the strategy on the
	// running kernel. Zero means no requirement.
	MinKernelMajor int
	MinKernelMinor int

	// ExpectedDriver is the driver family verification must observe
	// after the steps complete.
	ExpectedDriver system.DriverFamily

	// TargetVersion is the resolved driver version (repo and .run).
	TargetVersion string
}

// params carries the environment facts step builders substitute into
// command descriptors.
type params struct {
	kernel  string
	dnf     string
	version string
	pkg     string
}

type tableKey struct {
	kind   Kind
	family system.DistroFamily
}

// stepTable is the per-(strategy, distribution) step data. A missing row
// means the combination is unsupported.
var stepTable = map[tableKey]func(p params) []sysexec.Command{
	{NVK, system.FamilyDebian}:        nvkDebianSteps,
	{NVK, system.FamilyFedora}:        nvkFedoraSteps,
	{RepoStable, system.FamilyDebian}: repoDebianSteps,
	{RepoStable, system.FamilyFedora}: repoFedoraSteps,
	{RepoLatest, system.FamilyDebian}: repoDebianSteps,
	{RepoLatest, system.FamilyFedora}: repoFedoraSteps,
	// .run strategies execute nothing live; the whole install is staged
	// into the boot-time script.
	{RunProduction, system.FamilyDebian}: noSteps,
	{RunProduction, system.FamilyFedora}: noSteps,
	{RunNewFeature, system.FamilyDebian}: noSteps,
	{RunNewFeature, system.FamilyFedora}: noSteps,
	{RunBeta, system.FamilyDebian}:       noSteps,
	{RunBeta, system.FamilyFedora}:       noSteps,
	{RunLegacy, system.FamilyDebian}:     noSteps,
	{RunLegacy, system.FamilyFedora}:     noSteps,
	{Uninstall, system.FamilyDebian}:     uninstallDebianSteps,
	{Uninstall, system.FamilyFedora}:     uninstallFedoraSteps,
}

func noSteps(params) []sysexec.Command { return nil }

func step(name string, args ...string) sysexec.Command {
	return sysexec.Command{Name: name, Args: args, Sudo: true}
}

func shellStep(script string) sysexec.Command {
	return sysexec.Command{Name: "sh", Args: []string{"-c", script}, Sudo: true}
}

// nvidiaConfigPaths are configuration files every cleanup removes.
var nvidiaConfigPaths = []string{
	"/etc/modprobe.d/blacklist-nouveau.conf",
	"/etc/modprobe.d/disable-nvidia.conf",
	"/etc/X11/xorg.conf",
	"/etc/X11/xorg.conf.nvidia-xconfig-original",
}

// nvidiaServices are units stopped and removed during cleanup. A missing
// unit is fine.
var nvidiaServices = []string{
	"nvidia-persistenced", "nvidia-powerd", "nvidia-suspend",
	"nvidia-resume", "nvidia-hibernate", "nvman-run-install",
}

// cleanArtifactSteps removes NVIDIA config leftovers and services.
func cleanArtifactSteps() []sysexec.Command {
	steps := []sysexec.Command{}
	for _, cfg := range nvidiaConfigPaths {
		steps = append(steps, step("rm", "-f", cfg))
	}
	steps = append(steps,
		shellStep("rm -f /etc/modprobe.d/nvidia*.conf"),
		shellStep("rm -f /etc/ld.so.conf.d/*nvidia*"),
		shellStep("rm -f /etc/X11/xorg.conf.d/*nvidia*"),
		shellStep("rm -f /usr/share/X11/xorg.conf.d/*nvidia*"),
	)
	for _, svc := range nvidiaServices {
		stop := step("systemctl", "stop", svc+".service")
		stop.IgnoreMissingUnit = true
		disable := step("systemctl", "disable", svc+".service")
		disable.IgnoreMissingUnit = true
		steps = append(steps, stop, disable,
			step("rm", "-f", "/etc/systemd/system/"+svc+".service"))
	}
	steps = append(steps,
		step("systemctl", "daemon-reload"),
		step("ldconfig"),
	)
	return steps
}

// purgePackageSteps removes all installed NVIDIA packages.
func purgePackageSteps(family system.DistroFamily, p params) []sysexec.Command {
	if family == system.FamilyFedora {
		return []sysexec.Command{
			shellStep("rpm -qa | grep -i nvidia | grep -v nvidia-gpu-firmware | xargs -r " + p.dnf + " remove -y"),
		}
	}
	return []sysexec.Command{
		shellStep(`dpkg -l | awk '/^ii/ && (/nvidia/ || /libnvidia/ || /linux-modules-nvidia/) {print $2}' | xargs -r apt-get remove --purge -y`),
		step("apt-get", "autoremove", "--purge", "-y"),
	}
}

// removeKernelModuleSteps removes built driver modules. On Debian this is
// DKMS teardown; Fedora has no DKMS and only .run leftovers to delete.
func removeKernelModuleSteps(family system.DistroFamily, p params) []sysexec.Command {
	if family == system.FamilyFedora {
		return []sysexec.Command{
			shellStep("find /lib/modules/" + p.kernel + " -name 'nvidia*.ko*' -delete"),
			step("depmod", "-a"),
		}
	}
	dkmsRemove := shellStep(`dkms status | grep -i nvidia | cut -d, -f1 | cut -d: -f1 | sort -u | xargs -r -n1 -I{} dkms remove {} --all`)
	dkmsRemove.IgnoreStderrContains = "not located in the DKMS tree"
	return []sysexec.Command{
		dkmsRemove,
		shellStep("rm -rf /var/lib/dkms/nvidia* /usr/src/nvidia* /usr/src/NVIDIA*"),
		shellStep("find /lib/modules/" + p.kernel + ` -name 'nvidia*.ko*' ! -path '*/updates/dkms/*' -delete`),
		step("depmod", "-a"),
	}
}

// removeLibrarySteps deletes driver libraries a .run installer may have
// placed outside package-manager control.
func removeLibrarySteps(family system.DistroFamily) []sysexec.Command {
	globs := []string{
		"/usr/lib/x86_64-linux-gnu/libnvidia*",
		"/usr/lib/i386-linux-gnu/libnvidia*",
		"/usr/lib32/libnvidia*",
		"/usr/lib/nvidia*",
		"/lib/x86_64-linux-gnu/libnvidia*",
		"/usr/lib/x86_64-linux-gnu/vdpau/libvdpau_nvidia*",
		"/usr/bin/nvidia*",
		"/usr/sbin/nvidia*",
	}
	if family == system.FamilyFedora {
		globs = append(globs,
			"/usr/lib64/libnvidia*",
			"/usr/lib64/nvidia*",
			"/usr/lib64/libvdpau_nvidia*",
		)
	}
	steps := []sysexec.Command{}
	for _, g := range globs {
		steps = append(steps, shellStep("rm -rf "+g))
	}
	steps = append(steps, step("ldconfig"))
	return steps
}

// enableNouveauSteps re-enables nouveau with kernel modesetting.
func enableNouveauSteps(family system.DistroFamily) []sysexec.Command {
	steps := []sysexec.Command{
		step("rm", "-f", "/etc/modprobe.d/blacklist-nouveau.conf"),
		shellStep(`printf 'options nouveau modeset=1\n' > /etc/modprobe.d/nouveau.conf`),
	}
	if family == system.FamilyDebian {
		steps = append(steps,
			shellStep(`grep -qx nouveau /etc/initramfs-tools/modules 2>/dev/null || echo nouveau >> /etc/initramfs-tools/modules`))
	}
	return steps
}

// blockNouveauSteps blacklists nouveau for proprietary installs.
func blockNouveauSteps() []sysexec.Command {
	return []sysexec.Command{
		shellStep(`printf 'blacklist nouveau\noptions nouveau modeset=0\n' > /etc/modprobe.d/blacklist-nouveau.conf`),
	}
}

// RebuildInitramfs returns the initramfs rebuild command for the
// distribution family. Restores run it after putting module
// configuration back in place.
func RebuildInitramfs(family system.DistroFamily) sysexec.Command {
	return rebuildInitramfsStep(family)
}

// rebuildInitramfsStep rebuilds the initramfs for the running kernel.
func rebuildInitramfsStep(family system.DistroFamily) sysexec.Command {
	var cmd sysexec.Command
	if family == system.FamilyFedora {
		cmd = step("dracut", "--force")
	} else {
		cmd = step("update-initramfs", "-u", "-k", "all")
	}
	cmd.Timeout = 20 * time.Minute
	cmd.Description = "rebuilding initramfs"
	return cmd
}

// buildRequirementSteps installs compiler and header prerequisites for
// kernel-module builds.
func buildRequirementSteps(family system.DistroFamily, p params) []sysexec.Command {
	if family == system.FamilyFedora {
		return []sysexec.Command{
			step(p.dnf, "install", "-y", "kernel-devel", "gcc"),
		}
	}
	return []sysexec.Command{
		step("apt-get", "update", "-y"),
		step("apt-get", "install", "-y", "dkms", "build-essential", "linux-headers-"+p.kernel),
	}
}

// cleanupGroup is the full driver removal sequence shared by NVK,
// repository installs and uninstall.
func cleanupGroup(family system.DistroFamily, p params) []sysexec.Command {
	steps := cleanArtifactSteps()
	steps = append(steps, purgePackageSteps(family, p)...)
	steps = append(steps, removeKernelModuleSteps(family, p)...)
	steps = append(steps, removeLibrarySteps(family)...)
	return steps
}

func nvkDebianSteps(p params) []sysexec.Command {
	steps := cleanupGroup(system.FamilyDebian, p)
	steps = append(steps, enableNouveauSteps(system.FamilyDebian)...)
	steps = append(steps, rebuildInitramfsStep(system.FamilyDebian))
	steps = append(steps,
		step("add-apt-repository", "-y", "ppa:kisak/kisak-mesa"),
		step("apt-get", "update", "-y"),
		step("dpkg", "--add-architecture", "i386"),
		step("apt-get", "update", "-y"),
		sysexec.Command{
			Name: "apt-get",
			Args: []string{"install", "-y",
				"mesa-vulkan-drivers", "libgl1-mesa-dri", "libegl-mesa0",
				"libgles2", "libglx-mesa0", "mesa-utils", "vulkan-tools",
				"xserver-xorg-video-nouveau"},
			Sudo:        true,
			Timeout:     time.Hour,
			Description: "installing Mesa and nouveau packages",
		},
		sysexec.Command{
			Name: "apt-get",
			Args: []string{"install", "-y", "--reinstall",
				"libgl1-mesa-dri", "libegl-mesa0", "libgles2", "libglx-mesa0"},
			Sudo:        true,
			Description: "reinstalling Mesa libraries",
		},
	)
	return steps
}

func nvkFedoraSteps(p params) []sysexec.Command {
	steps := cleanupGroup(system.FamilyFedora, p)
	steps = append(steps, enableNouveauSteps(system.FamilyFedora)...)
	// Firmware before dracut: the initramfs must contain GSP firmware
	// for newer GPUs to come up on nouveau.
	steps = append(steps,
		sysexec.Command{
			Name: p.dnf,
			Args: []string{"install", "-y",
				"nvidia-gpu-firmware", "mesa-vulkan-drivers", "mesa-dri-drivers",
				"mesa-libEGL", "mesa-libGL", "vulkan-tools",
				"xorg-x11-drv-nouveau", "glx-utils"},
			Sudo:        true,
			Timeout:     time.Hour,
			Description: "installing Mesa, firmware and nouveau packages",
		},
		rebuildInitramfsStep(system.FamilyFedora),
	)
	return steps
}

func repoDebianSteps(p params) []sysexec.Command {
	steps := buildRequirementSteps(system.FamilyDebian, p)
	steps = append(steps, cleanupGroup(system.FamilyDebian, p)...)
	steps = append(steps,
		step("add-apt-repository", "-r", "-y", "ppa:kisak/kisak-mesa"),
		step("apt-get", "update", "-y"),
		sysexec.Command{
			Name:        "apt-get",
			Args:        []string{"install", "-y", p.pkg},
			Sudo:        true,
			Timeout:     time.Hour,
			Description: "installing " + p.pkg,
		},
	)
	steps = append(steps, blockNouveauSteps()...)
	steps = append(steps, rebuildInitramfsStep(system.FamilyDebian))
	return steps
}

func repoFedoraSteps(p params) []sysexec.Command {
	steps := buildRequirementSteps(system.FamilyFedora, p)
	steps = append(steps, cleanupGroup(system.FamilyFedora, p)...)
	steps = append(steps,
		step(p.dnf, "makecache", "-q"),
		// RPM Fusion nonfree carries akmod-nvidia.
		shellStep(`rpm -q rpmfusion-nonfree-release >/dev/null 2>&1 || ` + p.dnf +
			` install -y https://download1.rpmfusion.org/nonfree/fedora/rpmfusion-nonfree-release-$(rpm -E %fedora).noarch.rpm`),
		sysexec.Command{
			Name: p.dnf,
			Args: []string{"install", "-y", "akmod-nvidia",
				"xorg-x11-drv-nvidia", "xorg-x11-drv-nvidia-cuda"},
			Sudo:        true,
			Timeout:     time.Hour,
			Description: "installing akmod-nvidia",
		},
	)
	steps = append(steps, blockNouveauSteps()...)
	steps = append(steps, rebuildInitramfsStep(system.FamilyFedora))
	return steps
}

func uninstallDebianSteps(p params) []sysexec.Command {
	steps := cleanupGroup(system.FamilyDebian, p)
	steps = append(steps, enableNouveauSteps(system.FamilyDebian)...)
	steps = append(steps, rebuildInitramfsStep(system.FamilyDebian))
	return steps
}

func uninstallFedoraSteps(p params) []sysexec.Command {
	steps := cleanupGroup(system.FamilyFedora, p)
	steps = append(steps, enableNouveauSteps(system.FamilyFedora)...)
	steps = append(steps, rebuildInitramfsStep(system.FamilyFedora))
	return steps
}

// RunfileCleanupSteps are the extra preflight steps when leaving a
// .run-installed driver for NVK: leftover modules and libraries must go
// before staging anything, or the next boot has no usable driver.
func RunfileCleanupSteps(family system.DistroFamily, kernelRelease string) []sysexec.Command {
	p := params{kernel: kernelRelease}
	steps := removeKernelModuleSteps(family, p)
	steps = append(steps, removeLibrarySteps(family)...)
	return steps
}
