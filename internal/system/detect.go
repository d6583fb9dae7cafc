package system

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"nvman/internal/sysexec"
	"nvman/internal/utils"
)

// Distribution identifiers are matched exactly. Anything else maps to
// FamilyUnknown: guessing risks running DKMS steps on a non-DKMS distro.
var debianIDs = map[string]bool{
	"ubuntu": true, "kubuntu": true, "lubuntu": true, "xubuntu": true,
	"pop": true, "linuxmint": true, "zorin": true, "elementary": true,
	"neon": true, "debian": true,
}

var fedoraIDs = map[string]bool{
	"fedora": true, "rhel": true, "centos": true, "rocky": true, "alma": true,
}

// Detector gathers environment facts. File reads and environment lookups
// are injectable so tests can simulate hosts.
type Detector struct {
	runner   sysexec.Runner
	readFile func(string) (string, error)
	getenv   func(string) string
	uname    func() (release, machine string, err error)
}

// NewDetector creates a Detector backed by the real system.
func NewDetector(runner sysexec.Runner) *Detector {
	return &Detector{
		runner:   runner,
		readFile: utils.ReadFile,
		getenv:   os.Getenv,
		uname:    hostUname,
	}
}

func hostUname() (string, string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", "", err
	}
	return unix.ByteSliceToString(u.Release[:]), unix.ByteSliceToString(u.Machine[:]), nil
}

// Detect builds a fresh environment snapshot. It fails with a
// DetectionError when no supported distribution can be identified or no
// NVIDIA GPU is present.
func (d *Detector) Detect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{DetectedAt: time.Now()}

	d.detectDistro(snap)
	if snap.Family == FamilyUnknown {
		return nil, &DetectionError{Reason: "unsupported distribution " + snap.DistroName}
	}

	release, machine, err := d.uname()
	if err != nil {
		return nil, &DetectionError{Reason: "uname failed", Err: err}
	}
	snap.Kernel = parseKernel(release)
	snap.Arch = nvidiaArch(machine)
	snap.Session = d.detectSession()

	d.ensureTools(ctx, snap.Family)

	// The remaining probes are independent commands; run them together.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		model, err := d.detectGPU(gctx)
		if err != nil {
			return err
		}
		snap.GPUModel = model
		return nil
	})
	g.Go(func() error {
		snap.SecureBoot = d.detectSecureBoot(gctx)
		return nil
	})
	g.Go(func() error {
		snap.Driver = d.detectDriver(gctx, snap.Family)
		return nil
	})
	g.Go(func() error {
		snap.DNFCommand = d.detectDNF(gctx, snap.Family)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	utils.LogDebug("Detected environment: %s, kernel %s, driver %s",
		snap.DistroName, snap.Kernel.Release, snap.Driver)
	return snap, nil
}

// detectDistro parses /etc/os-release.
func (d *Detector) detectDistro(snap *Snapshot) {
	content, err := d.readFile("/etc/os-release")
	if err != nil {
		snap.DistroName = "Unknown"
		return
	}
	for _, line := range strings.Split(content, "\n") {
		if id, ok := strings.CutPrefix(line, "ID="); ok {
			id = strings.Trim(strings.TrimSpace(id), `"`)
			switch {
			case debianIDs[id]:
				snap.Family = FamilyDebian
			case fedoraIDs[id]:
				snap.Family = FamilyFedora
			}
		} else if name, ok := strings.CutPrefix(line, "NAME="); ok {
			snap.DistroName = strings.Trim(strings.TrimSpace(name), `"`)
		}
	}
	if snap.DistroName == "" {
		snap.DistroName = "Unknown"
	}
}

// parseKernel extracts major.minor from a release like 6.8.5-301.fc40.
// Unparseable releases yield 0.0, which fails any minimum-kernel gate
// instead of guessing.
func parseKernel(release string) Kernel {
	k := Kernel{Release: release}
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return k
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return k
	}
	minorStr := parts[1]
	if i := strings.IndexAny(minorStr, "-_"); i >= 0 {
		minorStr = minorStr[:i]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return Kernel{Release: release}
	}
	k.Major, k.Minor = major, minor
	return k
}

func nvidiaArch(machine string) string {
	switch machine {
	case "x86_64":
		return "Linux-x86_64"
	case "aarch64":
		return "Linux-aarch64"
	default:
		return "Linux-" + machine
	}
}

func (d *Detector) detectSession() SessionType {
	switch d.getenv("XDG_SESSION_TYPE") {
	case "x11":
		return SessionX11
	case "wayland":
		return SessionWayland
	case "tty":
		return SessionTTY
	}
	if d.getenv("WAYLAND_DISPLAY") != "" {
		return SessionWayland
	}
	if d.getenv("DISPLAY") != "" {
		return SessionX11
	}
	return SessionUnknown
}

// ensureTools installs pciutils and mokutil when the diagnostic tools
// they ship are missing. Best effort: detection degrades without them.
func (d *Detector) ensureTools(ctx context.Context, family DistroFamily) {
	missing := []string{}
	for tool, pkg := range map[string]string{"lspci": "pciutils", "mokutil": "mokutil"} {
		res, err := d.runner.Run(ctx, sysexec.Command{Name: "which", Args: []string{tool}, Timeout: 5 * time.Second})
		if err == nil && !res.Ok() {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		return
	}
	utils.LogInfo("Installing missing diagnostic tools: %s", strings.Join(missing, ", "))
	var cmd sysexec.Command
	if family == FamilyFedora {
		cmd = sysexec.Command{Name: "dnf", Args: append([]string{"install", "-y"}, missing...), Sudo: true}
	} else {
		cmd = sysexec.Command{Name: "apt-get", Args: append([]string{"install", "-y"}, missing...), Sudo: true}
	}
	cmd.Description = "installing diagnostic tools"
	if res, err := d.runner.Run(ctx, cmd); err != nil || !res.Ok() {
		utils.LogWarn("Could not install diagnostic tools; detection may be incomplete")
	}
}

// detectGPU finds the NVIDIA GPU via lspci.
func (d *Detector) detectGPU(ctx context.Context) (string, error) {
	res, err := d.runner.Run(ctx, sysexec.Command{Name: "lspci", Args: []string{"-nn"}, Timeout: 15 * time.Second})
	if err != nil {
		return "", &DetectionError{Reason: "lspci failed", Err: err}
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "nvidia") &&
			(strings.Contains(lower, "vga") || strings.Contains(lower, "3d") ||
				strings.Contains(lower, "display")) {
			// "01:00.0 VGA compatible controller [0300]: NVIDIA ..."
			if _, model, ok := strings.Cut(line, ": "); ok {
				return strings.TrimSpace(model), nil
			}
			return strings.TrimSpace(line), nil
		}
	}
	return "", &DetectionError{Reason: "no NVIDIA GPU detected"}
}

func (d *Detector) detectSecureBoot(ctx context.Context) bool {
	res, err := d.runner.Run(ctx, sysexec.Command{Name: "mokutil", Args: []string{"--sb-state"}, Timeout: 5 * time.Second})
	if err != nil || !res.Ok() {
		return false
	}
	return strings.Contains(strings.ToLower(res.Stdout), "enabled")
}

// detectDriver determines the active driver descriptor.
func (d *Detector) detectDriver(ctx context.Context, family DistroFamily) Driver {
	res, err := d.runner.Run(ctx, sysexec.Command{
		Name:    "nvidia-smi",
		Args:    []string{"--query-gpu=driver_version", "--format=csv,noheader"},
		Timeout: 15 * time.Second,
	})
	if err == nil && res.Ok() {
		version := strings.TrimSpace(res.Stdout)
		if i := strings.IndexByte(version, '\n'); i >= 0 {
			version = version[:i]
		}
		if version != "" && version != "N/A" {
			return Driver{
				Family:      DriverProprietary,
				Version:     version,
				FromRunfile: !d.repoDriverInstalled(ctx, family),
			}
		}
	}

	if modules, err := d.readFile("/proc/modules"); err == nil &&
		strings.Contains(modules, "nouveau") {
		return Driver{Family: DriverNouveau}
	}
	return Driver{Family: DriverNone}
}

// repoDriverInstalled reports whether the active proprietary driver is
// owned by a repository package.
func (d *Detector) repoDriverInstalled(ctx context.Context, family DistroFamily) bool {
	if family == FamilyFedora {
		res, err := d.runner.Run(ctx, sysexec.Command{Name: "rpm", Args: []string{"-q", "akmod-nvidia"}, Timeout: 15 * time.Second})
		return err == nil && res.Ok() && strings.TrimSpace(res.Stdout) != ""
	}
	res, err := d.runner.Run(ctx, sysexec.Command{Name: "dpkg", Args: []string{"-l"}, Timeout: 30 * time.Second})
	if err != nil || !res.Ok() {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, "ii") && strings.Contains(line, "nvidia-driver-") {
			return true
		}
	}
	return false
}

// detectDNF prefers dnf5 when available on Fedora.
func (d *Detector) detectDNF(ctx context.Context, family DistroFamily) string {
	if family != FamilyFedora {
		return "dnf"
	}
	res, err := d.runner.Run(ctx, sysexec.Command{Name: "which", Args: []string{"dnf5"}, Timeout: 5 * time.Second})
	if err == nil && res.Ok() {
		return "dnf5"
	}
	return "dnf"
}

// InstalledNvidiaPackages lists installed NVIDIA packages, used for
// backups and for purge steps.
func InstalledNvidiaPackages(ctx context.Context, runner sysexec.Runner, family DistroFamily) ([]string, error) {
	if family == FamilyFedora {
		res, err := runner.Run(ctx, sysexec.Command{Name: "rpm", Args: []string{"-qa"}, Timeout: 60 * time.Second})
		if err != nil {
			return nil, err
		}
		if !res.Ok() {
			return nil, nil
		}
		var packages []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			pkg := strings.TrimSpace(line)
			if pkg == "" || !strings.Contains(strings.ToLower(pkg), "nvidia") {
				continue
			}
			// GSP firmware stays: NVK needs it.
			if strings.Contains(pkg, "nvidia-gpu-firmware") {
				continue
			}
			packages = append(packages, pkg)
		}
		return packages, nil
	}

	res, err := runner.Run(ctx, sysexec.Command{Name: "dpkg", Args: []string{"-l"}, Timeout: 60 * time.Second})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, nil
	}
	var packages []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.HasPrefix(line, "ii") {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "nvidia") || strings.Contains(lower, "libnvidia") ||
			strings.Contains(lower, "linux-modules-nvidia") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				packages = append(packages, fields[1])
			}
		}
	}
	return packages, nil
}
