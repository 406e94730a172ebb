package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrVersionCheckFailed marks an unexpected response from the release API.
var ErrVersionCheckFailed = errors.New("version check failed")

// VersionCheckResult is what the startup update check reports back to the
// banner. Error is informational; a failed check never blocks a run.
type VersionCheckResult struct {
	UpdateAvailable bool
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	Error           error
}

// latestRelease is the slice of the GitHub latest-release payload we read.
type latestRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

const (
	releaseAPIURL       = "https://api.github.com/repos/mailvault/mailvault/releases/latest"
	versionCheckTimeout = 5 * time.Second
	checkCacheTTL       = 24 * time.Hour
)

// checkForUpdates compares the running version against the newest published
// release. Results are cached for a day under ~/.mailvault so repeated runs
// stay off the network; dev builds skip the check entirely.
func checkForUpdates(ctx context.Context, currentVersion string) VersionCheckResult {
	result := VersionCheckResult{
		CurrentVersion: currentVersion,
	}

	if currentVersion == "dev" || currentVersion == "" {
		return result
	}

	if cached := loadCheckCache(); cached != nil && time.Since(cached.CheckedAt) < checkCacheTTL {
		return VersionCheckResult{
			UpdateAvailable: cached.UpdateAvailable,
			CurrentVersion:  currentVersion,
			LatestVersion:   cached.LatestVersion,
			ReleaseURL:      cached.ReleaseURL,
		}
	}

	client := &http.Client{Timeout: versionCheckTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseAPIURL, nil)
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", fmt.Sprintf("mailvault/%s", currentVersion))

	resp, err := client.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to fetch latest release: %w", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
		return result
	}

	var release latestRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = fmt.Errorf("failed to decode response: %w", err)
		return result
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	result.LatestVersion = latest
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = compareVersions(latest, strings.TrimPrefix(currentVersion, "v")) > 0

	storeCheckCache(checkCache{
		UpdateAvailable: result.UpdateAvailable,
		LatestVersion:   latest,
		ReleaseURL:      result.ReleaseURL,
		CheckedAt:       time.Now(),
	})

	return result
}

// compareVersions orders two dotted version strings.
// Returns 1 if v1 is newer, -1 if older, 0 if equal.
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)

	for i := 0; i < 3; i++ {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion splits "major.minor.patch"; missing components read as zero.
func parseVersion(version string) [3]int {
	var parts [3]int
	components := strings.Split(version, ".")

	for i := 0; i < 3 && i < len(components); i++ {
		var num int
		_, _ = fmt.Sscanf(components[i], "%d", &num)
		parts[i] = num
	}

	return parts
}

// checkCache is the on-disk record of the last completed check.
type checkCache struct {
	UpdateAvailable bool      `json:"update_available"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
}

func checkCachePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mailvault", "version_check.json")
}

func loadCheckCache() *checkCache {
	data, err := os.ReadFile(checkCachePath())
	if err != nil {
		return nil
	}

	var cache checkCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

// storeCheckCache is best effort; a missing cache just means one extra
// request tomorrow.
func storeCheckCache(cache checkCache) {
	path := checkCachePath()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o600)
}

func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		result.CurrentVersion,
		result.LatestVersion,
		result.ReleaseURL,
	)
}
