package deferred

import (
	"fmt"
	"strings"
	"text/template"

	"nvman/internal/system"
)

// scriptData feeds the install script and unit templates.
type scriptData struct {
	Version    string
	Arch       string
	DNF        string
	Unit       string
	ScriptPath string
	MarkerPath string
	LogPath    string
	Timeout    int
}

// debianScript performs the staged install on Debian-family systems.
// DKMS keeps the module rebuilt across kernel updates, so prerequisites
// are installed first and the vendor installer registers with it.
var debianScript = template.Must(template.New("debian").Parse(`#!/bin/sh
# Generated by nvman. Installs the NVIDIA {{.Version}} driver once at
# boot, before the display manager claims the GPU.
set -eu
exec >> {{.LogPath}} 2>&1

echo "staged install of {{.Version}} starting: $(date)"

for i in $(seq 1 30); do
    ping -c 1 -W 2 8.8.8.8 >/dev/null 2>&1 && break
    sleep 2
done

apt-get update -y
apt-get install -y build-essential dkms "linux-headers-$(uname -r)"

cd /tmp
curl -fL -o nvidia-driver.run \
    "https://download.nvidia.com/XFree86/{{.Arch}}/{{.Version}}/NVIDIA-{{.Arch}}-{{.Version}}.run"
chmod 755 nvidia-driver.run

printf 'blacklist nouveau\noptions nouveau modeset=0\n' > /etc/modprobe.d/blacklist-nouveau.conf
update-initramfs -u

./nvidia-driver.run --silent --dkms --no-questions
rm -f nvidia-driver.run

echo "ok {{.Version}}" > {{.MarkerPath}}
systemctl disable {{.Unit}} || true
echo "staged install of {{.Version}} finished: $(date)"
`))

// fedoraScript is the Fedora-family variant. No DKMS here; the module
// is built against the running kernel and the initramfs is rebuilt with
// dracut afterwards so the blacklist takes effect.
var fedoraScript = template.Must(template.New("fedora").Parse(`#!/bin/sh
# Generated by nvman. Installs the NVIDIA {{.Version}} driver once at
# boot, before the display manager claims the GPU.
set -eu
exec >> {{.LogPath}} 2>&1

echo "staged install of {{.Version}} starting: $(date)"

for i in $(seq 1 30); do
    ping -c 1 -W 2 8.8.8.8 >/dev/null 2>&1 && break
    sleep 2
done

{{.DNF}} install -y gcc make "kernel-devel-$(uname -r)" kernel-headers libglvnd-devel

cd /tmp
curl -fL -o nvidia-driver.run \
    "https://download.nvidia.com/XFree86/{{.Arch}}/{{.Version}}/NVIDIA-{{.Arch}}-{{.Version}}.run"
chmod 755 nvidia-driver.run

printf 'blacklist nouveau\noptions nouveau modeset=0\n' > /etc/modprobe.d/blacklist-nouveau.conf

./nvidia-driver.run --silent --no-questions
rm -f nvidia-driver.run

dracut --force

echo "ok {{.Version}}" > {{.MarkerPath}}
systemctl disable {{.Unit}} || true
echo "staged install of {{.Version}} finished: $(date)"
`))

// unitTemplate runs the staged script before any display manager. The
// generous start timeout covers the download and the module build.
var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=NVIDIA driver staged installation
Before=display-manager.service
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
TimeoutStartSec={{.Timeout}}
ExecStart={{.ScriptPath}}

[Install]
WantedBy=multi-user.target
`))

func renderScript(family system.DistroFamily, d scriptData) (string, error) {
	tmpl := debianScript
	if family == system.FamilyFedora {
		tmpl = fedoraScript
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, d); err != nil {
		return "", fmt.Errorf("failed to render install script: %w", err)
	}
	return b.String(), nil
}

func renderUnit(d scriptData) (string, error) {
	var b strings.Builder
	if err := unitTemplate.Execute(&b, d); err != nil {
		return "", fmt.Errorf("failed to render unit file: %w", err)
	}
	return b.String(), nil
}
