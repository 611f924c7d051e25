// Package update provides version checking and self-update functionality.
package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/natefinch/atomic"
)

const (
	repoOwner     = "pengelbrecht"
	repoName      = "ticketflow"
	checkInterval = 24 * time.Hour
	checkTimeout  = 5 * time.Second
)

// ErrDevBuild is returned when asked to update a build without a version.
var ErrDevBuild = errors.New("cannot update dev builds")

// updateCache stores the last update check result.
type updateCache struct {
	LastCheck       time.Time `json:"last_check"`
	LatestVersion   string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
}

func cacheDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, repoName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", repoName)
}

func cachePath() string {
	dir := cacheDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "update-cache.json")
}

func loadCache() *updateCache {
	path := cachePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cache updateCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

func saveCache(cache *updateCache) {
	path := cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = atomic.WriteFile(path, bytes.NewReader(data))
}

// InstallMethod represents how the binary was installed.
type InstallMethod int

const (
	// InstallUnknown means we couldn't determine the install method.
	InstallUnknown InstallMethod = iota
	// InstallHomebrew means the binary lives in a Homebrew cellar.
	InstallHomebrew
	// InstallBinary means a release binary or go install.
	InstallBinary
)

func (m InstallMethod) String() string {
	switch m {
	case InstallHomebrew:
		return "homebrew"
	case InstallBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// DetectInstallMethod examines the running executable's path.
func DetectInstallMethod() InstallMethod {
	exe, err := os.Executable()
	if err != nil {
		return InstallUnknown
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return InstallUnknown
	}
	return installMethodFor(exe)
}

func installMethodFor(exe string) InstallMethod {
	if strings.Contains(exe, "/Cellar/") ||
		strings.HasPrefix(exe, "/opt/homebrew/") ||
		strings.HasPrefix(exe, "/usr/local/Homebrew/") ||
		strings.Contains(exe, "linuxbrew") {
		return InstallHomebrew
	}
	return InstallBinary
}

// Release represents information about a release.
type Release struct {
	Version    string
	ReleaseURL string
}

func isDev(version string) bool {
	v := strings.TrimPrefix(version, "v")
	return v == "" || v == "dev"
}

func detectLatest(ctx context.Context) (*selfupdate.Updater, *selfupdate.Release, bool, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, nil, false, fmt.Errorf("creating GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, nil, false, fmt.Errorf("creating updater: %w", err)
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return nil, nil, false, fmt.Errorf("detecting latest version: %w", err)
	}
	return updater, latest, found, nil
}

// CheckForUpdate reports the latest release and whether it is newer than
// currentVersion. Dev builds never have updates.
func CheckForUpdate(ctx context.Context, currentVersion string) (*Release, bool, error) {
	if isDev(currentVersion) {
		return nil, false, nil
	}
	_, latest, found, err := detectLatest(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	release := &Release{
		Version:    latest.Version(),
		ReleaseURL: latest.URL,
	}
	return release, latest.GreaterThan(strings.TrimPrefix(currentVersion, "v")), nil
}

// Update replaces the running executable with the latest release.
func Update(ctx context.Context, currentVersion string) (string, error) {
	if DetectInstallMethod() == InstallHomebrew {
		return "", fmt.Errorf("installed via Homebrew, run: brew upgrade pengelbrecht/tap/%s", repoName)
	}
	if isDev(currentVersion) {
		return "", ErrDevBuild
	}

	updater, latest, found, err := detectLatest(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.New("no releases found")
	}
	if !latest.GreaterThan(strings.TrimPrefix(currentVersion, "v")) {
		return "", fmt.Errorf("already at latest version (%s)", currentVersion)
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return "", fmt.Errorf("updating: %w", err)
	}
	return latest.Version(), nil
}

// CheckPeriodically checks for updates at most once per day and returns a
// notice when one is available.
func CheckPeriodically(ctx context.Context, currentVersion string) string {
	if isDev(currentVersion) {
		return ""
	}
	current := strings.TrimPrefix(currentVersion, "v")

	if cache := loadCache(); cache != nil && time.Since(cache.LastCheck) < checkInterval {
		// The user may have upgraded since the cache was written.
		if cache.UpdateAvailable && isNewerVersion(cache.LatestVersion, current) {
			return formatUpdateNotice(currentVersion, cache.LatestVersion, DetectInstallMethod())
		}
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	release, hasUpdate, err := CheckForUpdate(ctx, currentVersion)

	next := &updateCache{
		LastCheck:       time.Now(),
		UpdateAvailable: hasUpdate && err == nil,
	}
	if release != nil {
		next.LatestVersion = release.Version
	}
	saveCache(next)

	if err != nil || !hasUpdate {
		return ""
	}
	return formatUpdateNotice(currentVersion, release.Version, DetectInstallMethod())
}

// isNewerVersion compares major.minor.patch numerically.
func isNewerVersion(a, b string) bool {
	parse := func(v string) [3]int {
		var out [3]int
		parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
		for i, p := range parts {
			_, _ = fmt.Sscanf(p, "%d", &out[i])
		}
		return out
	}
	av, bv := parse(a), parse(b)
	for i := range av {
		if av[i] != bv[i] {
			return av[i] > bv[i]
		}
	}
	return false
}

func formatUpdateNotice(current, latest string, method InstallMethod) string {
	cmd := repoName + " upgrade"
	if method == InstallHomebrew {
		cmd = "brew upgrade pengelbrecht/tap/" + repoName
	}
	return fmt.Sprintf("Update available: %s -> %s (run: %s)", current, latest, cmd)
}
