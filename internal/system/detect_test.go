package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvman/internal/sysexec"
)

const fedoraOSRelease = `NAME="Fedora Linux"
VERSION="40 (Workstation Edition)"
ID=fedora
`

const ubuntuOSRelease = `NAME="Ubuntu"
ID=ubuntu
ID_LIKE=debian
`

// testDetector builds a detector with all host seams replaced.
func testDetector(runner sysexec.Runner, files map[string]string, env map[string]string, release, machine string) *Detector {
	return &Detector{
		runner: runner,
		readFile: func(path string) (string, error) {
			if content, ok := files[path]; ok {
				return content, nil
			}
			return "", assert.AnError
		},
		getenv: func(key string) string { return env[key] },
		uname:  func() (string, string, error) { return release, machine, nil },
	}
}

func TestDetect_Fedora(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("which", sysexec.Result{Stdout: "/usr/bin/tool"})
	runner.On("lspci -nn", sysexec.Result{
		Stdout: "01:00.0 VGA compatible controller [0300]: NVIDIA Corporation AD107 [GeForce RTX 4060] [10de:2882]\n",
	})
	runner.On("mokutil --sb-state", sysexec.Result{Stdout: "SecureBoot enabled\n"})
	runner.On("nvidia-smi", sysexec.Result{ExitCode: 127})
	runner.On("which dnf5", sysexec.Result{Stdout: "/usr/bin/dnf5"})

	d := testDetector(runner,
		map[string]string{
			"/etc/os-release": fedoraOSRelease,
			"/proc/modules":   "nouveau 2875392 10 - Live 0x0000000000000000\n",
		},
		map[string]string{"XDG_SESSION_TYPE": "wayland"},
		"6.8.5-301.fc40.x86_64", "x86_64")

	snap, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Fedora Linux", snap.DistroName)
	assert.Equal(t, FamilyFedora, snap.Family)
	assert.Equal(t, 6, snap.Kernel.Major)
	assert.Equal(t, 8, snap.Kernel.Minor)
	assert.Equal(t, "Linux-x86_64", snap.Arch)
	assert.Equal(t, SessionWayland, snap.Session)
	assert.True(t, snap.SecureBoot)
	assert.Contains(t, snap.GPUModel, "GeForce RTX 4060")
	assert.Equal(t, DriverNouveau, snap.Driver.Family)
	assert.Equal(t, "dnf5", snap.DNFCommand)
}

func TestDetect_UnsupportedDistribution(t *testing.T) {
	d := testDetector(&sysexec.ScriptedRunner{},
		map[string]string{"/etc/os-release": "NAME=\"Arch Linux\"\nID=arch\n"},
		nil, "6.8.0", "x86_64")

	_, err := d.Detect(context.Background())
	var detErr *DetectionError
	require.ErrorAs(t, err, &detErr)
	assert.Contains(t, detErr.Reason, "unsupported distribution")
}

func TestDetect_NoNvidiaGPU(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("which", sysexec.Result{Stdout: "/usr/bin/tool"})
	runner.On("lspci -nn", sysexec.Result{
		Stdout: "00:02.0 VGA compatible controller [0300]: Intel Corporation Raptor Lake-P [0086:a7a0]\n",
	})

	d := testDetector(runner,
		map[string]string{"/etc/os-release": ubuntuOSRelease},
		nil, "6.8.0-45-generic", "x86_64")

	_, err := d.Detect(context.Background())
	var detErr *DetectionError
	require.ErrorAs(t, err, &detErr)
	assert.Equal(t, "no NVIDIA GPU detected", detErr.Reason)
}

func TestDetectDriver_RunfileDetection(t *testing.T) {
	// nvidia-smi reports a driver but no repo package owns it.
	runner := &sysexec.ScriptedRunner{}
	runner.On("nvidia-smi", sysexec.Result{Stdout: "580.126.09\n"})
	runner.On("dpkg -l", sysexec.Result{Stdout: "ii  some-package  1.0  amd64  unrelated\n"})

	d := testDetector(runner, map[string]string{}, nil, "6.8.0", "x86_64")
	driver := d.detectDriver(context.Background(), FamilyDebian)

	assert.Equal(t, DriverProprietary, driver.Family)
	assert.Equal(t, "580.126.09", driver.Version)
	assert.True(t, driver.FromRunfile)
}

func TestDetectDriver_RepoPackageOwnsDriver(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("nvidia-smi", sysexec.Result{Stdout: "580.126.09\n"})
	runner.On("dpkg -l", sysexec.Result{Stdout: "ii  nvidia-driver-580-open  580.126.09-0ubuntu1  amd64\n"})

	d := testDetector(runner, map[string]string{}, nil, "6.8.0", "x86_64")
	driver := d.detectDriver(context.Background(), FamilyDebian)

	assert.Equal(t, DriverProprietary, driver.Family)
	assert.False(t, driver.FromRunfile)
}

func TestDetectDriver_NoDriver(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("nvidia-smi", sysexec.Result{ExitCode: 127})

	d := testDetector(runner,
		map[string]string{"/proc/modules": "i915 4030464 55 - Live\n"},
		nil, "6.8.0", "x86_64")
	driver := d.detectDriver(context.Background(), FamilyDebian)

	assert.Equal(t, DriverNone, driver.Family)
}

func TestParseKernel(t *testing.T) {
	tests := []struct {
		release      string
		major, minor int
	}{
		{"6.8.5-301.fc40.x86_64", 6, 8},
		{"6.8.0-45-generic", 6, 8},
		{"5.15.0-122-generic", 5, 15},
		{"6.11-rc3", 6, 11},
		{"garbage", 0, 0},
	}
	for _, tt := range tests {
		k := parseKernel(tt.release)
		assert.Equal(t, tt.major, k.Major, tt.release)
		assert.Equal(t, tt.minor, k.Minor, tt.release)
		assert.Equal(t, tt.release, k.Release)
	}
}

func TestKernelAtLeast(t *testing.T) {
	k := Kernel{Major: 6, Minor: 0}
	assert.True(t, k.AtLeast(6, 0))
	assert.True(t, k.AtLeast(5, 19))
	assert.False(t, k.AtLeast(6, 1))
	assert.False(t, Kernel{Major: 5, Minor: 19}.AtLeast(6, 0))
}

func TestInstalledNvidiaPackages_FedoraSkipsFirmware(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("rpm -qa", sysexec.Result{Stdout: `akmod-nvidia-580.126.09-1.fc40.x86_64
nvidia-gpu-firmware-20240610-1.fc40.noarch
xorg-x11-drv-nvidia-580.126.09-1.fc40.x86_64
mesa-dri-drivers-24.1.2-1.fc40.x86_64
`})

	packages, err := InstalledNvidiaPackages(context.Background(), runner, FamilyFedora)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"akmod-nvidia-580.126.09-1.fc40.x86_64",
		"xorg-x11-drv-nvidia-580.126.09-1.fc40.x86_64",
	}, packages, "GSP firmware must never be listed for removal or backup")
}

func TestInstalledNvidiaPackages_DebianFiltersInstalledOnly(t *testing.T) {
	runner := &sysexec.ScriptedRunner{}
	runner.On("dpkg -l", sysexec.Result{Stdout: `ii  nvidia-driver-580-open      580.126.09-0ubuntu1  amd64  NVIDIA driver
ii  libnvidia-gl-580            580.126.09-0ubuntu1  amd64  NVIDIA GL libraries
rc  nvidia-driver-550           550.120-0ubuntu1     amd64  removed, config remains
ii  firefox                     130.0-1              amd64  browser
`})

	packages, err := InstalledNvidiaPackages(context.Background(), runner, FamilyDebian)
	require.NoError(t, err)
	assert.Equal(t, []string{"nvidia-driver-580-open", "libnvidia-gl-580"}, packages)
}

func TestParseKernelRC(t *testing.T) {
	k := parseKernel("6.12")
	assert.Equal(t, 6, k.Major)
	assert.Equal(t, 12, k.Minor)
}
