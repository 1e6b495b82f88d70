package updater

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	// GitHubReleasesURL is the endpoint for fetching releases
	GitHubReleasesURL = "https://api.github.com/repos/cwt-line/kanban-agent/releases?per_page=20"
	// CacheDuration defines how long to cache update check results
	CacheDuration = 30 * time.Minute
	// RequestTimeout is the timeout for GitHub API requests
	RequestTimeout = 10 * time.Second
	// UserAgent identifies this client to GitHub
	UserAgent = "kanban-agent-updater"
	// MaxReleaseNotesLength is the maximum length of release notes to return
	MaxReleaseNotesLength = 500
)

// releaseTagPattern matches agent release tags (v1.2.3) and skips anything
// prefixed, such as firmware-v1.0.0.
var releaseTagPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

// GitHubRelease represents the GitHub API response for a release
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Body        string        `json:"body"`
	HTMLURL     string        `json:"html_url"`
	PublishedAt time.Time     `json:"published_at"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a release asset (download file)
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	ContentType        string `json:"content_type"`
}

// UpdateInfo contains information about an available update
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker handles update checking with caching
type Checker struct {
	currentVersion string
	releasesURL    string
	httpClient     *http.Client

	mu           sync.RWMutex
	cachedResult *UpdateInfo
	cacheExpiry  time.Time
}

// NewChecker creates a new update checker against the project's releases.
func NewChecker(currentVersion string) *Checker {
	return NewCheckerWithURL(currentVersion, GitHubReleasesURL)
}

// NewCheckerWithURL creates a checker that lists releases from url.
func NewCheckerWithURL(currentVersion, url string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		releasesURL:    url,
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
	}
}

// Check checks for updates, using cache if available
func (c *Checker) Check(forceRefresh bool) *UpdateInfo {
	if !forceRefresh {
		if cached := c.Cached(); cached != nil {
			return cached
		}
	}

	result := c.checkGitHub()

	c.mu.Lock()
	c.cachedResult = result
	c.cacheExpiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	r := *result
	return &r
}

// Cached returns a copy of the last unexpired result without touching the
// network, or nil.
func (c *Checker) Cached() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cachedResult == nil || !time.Now().Before(c.cacheExpiry) {
		return nil
	}
	r := *c.cachedResult
	return &r
}

// checkGitHub fetches the latest release from GitHub
func (c *Checker) checkGitHub() *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: c.currentVersion,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      time.Now(),
		IsDev:          ParseVersion(c.currentVersion).IsDev(),
	}

	req, err := http.NewRequest(http.MethodGet, c.releasesURL, nil)
	if err != nil {
		info.Error = fmt.Sprintf("failed to create request: %v", err)
		return info
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		info.Error = fmt.Sprintf("failed to fetch release info: %v", err)
		return info
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		info.Error = "rate limited by GitHub API, try again later"
		return info
	case resp.StatusCode == http.StatusNotFound:
		info.Error = "no releases found"
		return info
	case resp.StatusCode != http.StatusOK:
		info.Error = fmt.Sprintf("GitHub API returned status %d", resp.StatusCode)
		return info
	}

	var releases []GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		info.Error = fmt.Sprintf("failed to parse release info: %v", err)
		return info
	}

	// Releases are sorted newest first
	var release *GitHubRelease
	for i := range releases {
		r := &releases[i]
		if r.Draft || r.Prerelease || !releaseTagPattern.MatchString(r.TagName) {
			continue
		}
		release = r
		break
	}

	if release == nil {
		info.Error = "no Kanban Agent releases found"
		return info
	}

	currentVer := ParseVersion(c.currentVersion)
	latestVer := ParseVersion(release.TagName)

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	info.PublishedAt = &release.PublishedAt

	// Dev builds are usually ahead of the last release
	info.Available = !currentVer.IsDev() && currentVer.IsOlderThan(latestVer)
	info.DownloadURL = findDownloadURL(release.Assets, runtime.GOOS, runtime.GOARCH)

	return info
}

// findDownloadURL picks the asset for goos/goarch, preferring installer
// formats over archives.
func findDownloadURL(assets []GitHubAsset, goos, goarch string) string {
	archNames := map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"arm":   {"armv7", "armhf", "arm"},
	}
	archPatterns := archNames[goarch]
	if archPatterns == nil {
		archPatterns = []string{goarch}
	}

	preferredExtensions := map[string][]string{
		"darwin":  {".dmg", ".pkg", ".tar.gz", ".zip"},
		"windows": {".exe", ".msi", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz", ".zip"},
	}
	extensions := preferredExtensions[goos]
	if extensions == nil {
		extensions = []string{".tar.gz", ".zip"}
	}

	bestURL := ""
	bestScore := -1
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !matchesOS(name, goos) {
			continue
		}

		archMatch := false
		for _, pattern := range archPatterns {
			if strings.Contains(name, pattern) {
				archMatch = true
				break
			}
		}
		if goos == "darwin" && strings.Contains(name, "universal") {
			archMatch = true
		}
		if !archMatch {
			continue
		}

		score := len(extensions)
		for i, ext := range extensions {
			if strings.HasSuffix(name, ext) {
				score = i
				break
			}
		}
		if bestScore < 0 || score < bestScore {
			bestURL, bestScore = asset.BrowserDownloadURL, score
		}
	}
	return bestURL
}

func matchesOS(name, goos string) bool {
	switch goos {
	case "darwin":
		return strings.Contains(name, "darwin") || strings.Contains(name, "macos")
	case "windows":
		return strings.Contains(name, "windows") || strings.Contains(name, "win64")
	default:
		return strings.Contains(name, goos)
	}
}

// truncateReleaseNotes truncates release notes to maxLen characters
func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	return notes[:maxLen] + "..."
}

// ClearCache clears the cached update info
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cachedResult = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}
