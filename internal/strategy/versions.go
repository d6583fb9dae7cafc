package strategy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"nvman/internal/sysexec"
	"nvman/internal/system"
	"nvman/internal/utils"
)

// Compiled-in fallback versions, used when the NVIDIA download index
// cannot be reached.
const (
	fallbackProduction = "580.126.09"
	fallbackNewFeature = "590.48.01"
	fallbackBeta       = "575.54.14"
	fallbackLegacy     = "470.256.02"
)

// RunVersions holds the newest .run version per revision tier.
type RunVersions struct {
	Production string
	NewFeature string
	Beta       string
	Legacy     string
}

// ForKind returns the version matching a .run strategy kind.
func (v RunVersions) ForKind(kind Kind) string {
	switch kind {
	case RunProduction:
		return v.Production
	case RunNewFeature:
		return v.NewFeature
	case RunBeta:
		return v.Beta
	case RunLegacy:
		return v.Legacy
	default:
		return ""
	}
}

var (
	productionRe = regexp.MustCompile(`58[0-9]\.[0-9]+\.[0-9]+/`)
	newFeatureRe = regexp.MustCompile(`590\.(?:4[5-9]|[5-9][0-9]|[0-9]{3,})\.[0-9]+/`)
	betaRe       = regexp.MustCompile(`590\.(?:[0-3][0-9]|4[0-4])\.[0-9]+/`)
	legacyRe     = regexp.MustCompile(`470\.[0-9]+\.[0-9]+/`)
)

// FetchRunVersions scrapes the vendor download index for the newest
// version in each tier, falling back to compiled-in values.
func FetchRunVersions(ctx context.Context, runner sysexec.Runner, arch string) RunVersions {
	versions := RunVersions{
		Production: fallbackProduction,
		NewFeature: fallbackNewFeature,
		Beta:       fallbackBeta,
		Legacy:     fallbackLegacy,
	}

	url := fmt.Sprintf("https://download.nvidia.com/XFree86/%s/", arch)
	var content string
	for _, tool := range []string{"curl", "wget"} {
		args := []string{"-s", url}
		if tool == "wget" {
			args = []string{"-q", "-O", "-", url}
		}
		res, err := runner.Run(ctx, sysexec.Command{
			Name: tool, Args: args, Timeout: 15 * time.Second,
			Description: "fetching driver versions",
		})
		if err == nil && res.Ok() && res.Stdout != "" {
			content = res.Stdout
			break
		}
	}
	if content == "" {
		utils.LogDebug("Version index unreachable, using fallback versions")
		return versions
	}

	if v := newestMatch(productionRe, content); v != "" {
		versions.Production = v
	}
	if v := newestMatch(newFeatureRe, content); v != "" {
		versions.NewFeature = v
	}
	if v := newestMatch(betaRe, content); v != "" {
		versions.Beta = v
	}
	if v := newestMatch(legacyRe, content); v != "" {
		versions.Legacy = v
	}
	return versions
}

// newestMatch returns the numerically-highest version a pattern finds.
func newestMatch(re *regexp.Regexp, content string) string {
	matches := re.FindAllString(content, -1)
	if len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		return versionLess(strings.TrimSuffix(matches[i], "/"), strings.TrimSuffix(matches[j], "/"))
	})
	return strings.TrimSuffix(matches[len(matches)-1], "/")
}

func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			return ai < bi
		}
	}
	return len(as) < len(bs)
}

// repoDriverSeries are the driver series probed in the Debian archives,
// newest first.
var repoDriverSeries = []int{610, 600, 590, 580, 550, 535, 525, 515}

// RepoDriver resolves the repository driver package and version for the
// given environment. latest selects the newest series; otherwise the
// second-newest available is preferred for stability.
func RepoDriver(ctx context.Context, runner sysexec.Runner, snap *system.Snapshot, latest bool) (pkg, version string) {
	if snap.Family == system.FamilyFedora {
		version = fedoraRepoVersion(ctx, runner, snap.DNFCommand)
		return "akmod-nvidia", version
	}

	type candidate struct {
		series  int
		version string
	}
	var available []candidate
	for _, series := range repoDriverSeries {
		name := fmt.Sprintf("nvidia-driver-%d-open", series)
		res, err := runner.Run(ctx, sysexec.Command{
			Name: "apt-cache", Args: []string{"show", name}, Timeout: 30 * time.Second,
		})
		if err != nil || !res.Ok() {
			continue
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			if v, ok := strings.CutPrefix(line, "Version:"); ok {
				ver := strings.SplitN(strings.TrimSpace(v), "-", 2)[0]
				available = append(available, candidate{series, ver})
				break
			}
		}
		if latest && len(available) == 1 {
			break
		}
		if !latest && len(available) == 2 {
			break
		}
	}

	pick := func(c candidate) (string, string) {
		name := fmt.Sprintf("nvidia-driver-%d-open", c.series)
		if strings.Contains(c.version, ".") {
			return name, c.version
		}
		return name, strconv.Itoa(c.series)
	}

	switch {
	case len(available) == 0:
		return "nvidia-driver-580-open", "580"
	case latest || len(available) == 1:
		return pick(available[0])
	default:
		return pick(available[1])
	}
}

// fedoraRepoVersion asks dnf for the available akmod-nvidia version.
func fedoraRepoVersion(ctx context.Context, runner sysexec.Runner, dnf string) string {
	if dnf == "" {
		dnf = "dnf"
	}
	res, err := runner.Run(ctx, sysexec.Command{
		Name:    "env",
		Args:    []string{"DNF_FRONTEND=noninteractive", dnf, "list", "available", "akmod-nvidia", "-q"},
		Timeout: 60 * time.Second,
	})
	if err != nil || !res.Ok() {
		return "580"
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.Contains(line, "akmod-nvidia") && strings.Contains(line, ".x86_64") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				ver := strings.SplitN(fields[1], "-", 2)[0]
				if strings.Contains(ver, ".") {
					return ver
				}
			}
			break
		}
	}
	return "580"
}
