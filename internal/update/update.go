package update

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	githubReleasesURL = "https://api.github.com/repos/onllm-dev/switchboard/releases/latest"
	downloadBaseURL   = "https://github.com/onllm-dev/switchboard/releases/download"
	defaultCacheTTL   = 1 * time.Hour
)

// UpdateInfo holds the result of a version check.
type UpdateInfo struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	DownloadURL    string `json:"download_url,omitempty"`
}

// Updater checks for and applies self-updates from GitHub releases.
type Updater struct {
	currentVersion string
	logger         *slog.Logger
	httpClient     *http.Client

	mu            sync.Mutex
	cachedVersion string
	cachedAt      time.Time
	cacheTTL      time.Duration

	// For testing: override the GitHub API URL and download base URL
	apiURL      string
	downloadURL string
}

// NewUpdater creates a new Updater with the given version and logger.
func NewUpdater(version string, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		currentVersion: version,
		logger:         logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cacheTTL:    defaultCacheTTL,
		apiURL:      githubReleasesURL,
		downloadURL: downloadBaseURL,
	}
}

// Check queries GitHub for the latest release and compares with the
// running version. Results are cached for cacheTTL.
func (u *Updater) Check() (UpdateInfo, error) {
	info := UpdateInfo{CurrentVersion: u.currentVersion}

	// Dev builds can't update
	if u.currentVersion == "dev" || u.currentVersion == "" {
		return info, nil
	}

	latest, err := u.latestVersion()
	if err != nil {
		return info, fmt.Errorf("update.Check: %w", err)
	}

	info.LatestVersion = latest
	info.Available = compareVersions(latest, u.currentVersion) > 0
	if info.Available {
		info.DownloadURL = u.binaryDownloadURL(latest)
	}
	return info, nil
}

// githubRelease is a minimal struct for parsing the GitHub API response.
type githubRelease struct {
	TagName string `json:"tag_name"`
}

// latestVersion returns the newest published release tag, serving from
// cache when it is fresh.
func (u *Updater) latestVersion() (string, error) {
	u.mu.Lock()
	if u.cachedVersion != "" && time.Since(u.cachedAt) < u.cacheTTL {
		latest := u.cachedVersion
		u.mu.Unlock()
		return latest, nil
	}
	u.mu.Unlock()

	req, err := http.NewRequest("GET", u.apiURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "switchboard/"+u.currentVersion)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}

	latest := strings.TrimPrefix(release.TagName, "v")

	u.mu.Lock()
	u.cachedVersion = latest
	u.cachedAt = time.Now()
	u.mu.Unlock()

	u.logger.Info("Version check complete",
		"current", u.currentVersion,
		"latest", latest)

	return latest, nil
}

// Apply downloads the latest binary and swaps it over the current one.
// The daemon keeps running on the old binary until its next start.
func (u *Updater) Apply() error {
	if u.currentVersion == "dev" || u.currentVersion == "" {
		return fmt.Errorf("update.Apply: cannot update dev build")
	}

	info, err := u.Check()
	if err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}
	if !info.Available {
		return fmt.Errorf("update.Apply: already at latest version %s", u.currentVersion)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}
	exePath, err = filepath.EvalSymlinks(exePath)
	if err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}

	exeDir := filepath.Dir(exePath)
	if err := checkWritable(exeDir); err != nil {
		return fmt.Errorf("update.Apply: binary directory not writable: %w", err)
	}

	u.logger.Info("Downloading update",
		"version", info.LatestVersion,
		"url", info.DownloadURL)

	// Download into the same directory so the final rename stays atomic.
	tmpPath, err := u.download(info.DownloadURL, exeDir)
	if err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := validateBinary(tmpPath); err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}
	if err := os.Chmod(tmpPath, 0755); err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}

	if err := replaceBinary(exePath, tmpPath, u.logger); err != nil {
		return fmt.Errorf("update.Apply: %w", err)
	}

	u.logger.Info("Update applied successfully",
		"from", u.currentVersion,
		"to", info.LatestVersion)

	return nil
}

// download streams the release asset to a temp file in dir and returns
// the temp file's path.
func (u *Updater) download(url, dir string) (string, error) {
	tmpFile, err := os.CreateTemp(dir, "switchboard.tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()

	dlClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := dlClient.Get(url)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	written, err := io.Copy(tmpFile, resp.Body)
	tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download write failed: %w", err)
	}
	if written == 0 {
		os.Remove(tmpPath)
		return "", fmt.Errorf("downloaded file is empty")
	}
	return tmpPath, nil
}

// replaceBinary swaps tmpPath into place at exePath, keeping the old
// binary as a backup until the swap succeeds. A stale .old from an
// earlier failed update is cleared first.
func replaceBinary(exePath, tmpPath string, logger *slog.Logger) error {
	backupPath := exePath + ".old"
	os.Remove(backupPath)

	if err := os.Rename(exePath, backupPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if err := os.Rename(tmpPath, exePath); err != nil {
		if restoreErr := os.Rename(backupPath, exePath); restoreErr != nil {
			logger.Error("failed to restore backup binary",
				"path", backupPath, "error", restoreErr)
		}
		return fmt.Errorf("swap failed: %w", err)
	}

	os.Remove(backupPath)
	return nil
}

// binaryDownloadURL constructs the download URL for the current platform.
func (u *Updater) binaryDownloadURL(version string) string {
	name := fmt.Sprintf("switchboard-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return fmt.Sprintf("%s/v%s/%s", u.downloadURL, version, name)
}

// compareVersions compares two semver strings.
// Returns: 1 if a > b, -1 if a < b, 0 if equal.
func compareVersions(a, b string) int {
	partsA := strings.Split(strings.TrimPrefix(a, "v"), ".")
	partsB := strings.Split(strings.TrimPrefix(b, "v"), ".")

	for len(partsA) < 3 {
		partsA = append(partsA, "0")
	}
	for len(partsB) < 3 {
		partsB = append(partsB, "0")
	}

	for i := 0; i < 3; i++ {
		numA := numericPrefix(partsA[i])
		numB := numericPrefix(partsB[i])
		if numA != numB {
			if numA > numB {
				return 1
			}
			return -1
		}
	}
	return 0
}

// numericPrefix parses the leading digits of a version part, so a
// pre-release suffix like "6-beta" still orders by its number.
func numericPrefix(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}

// checkWritable tests if the directory is writable by creating a temp file.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".switchboard-write-test-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// executableMagic lists the magic-byte prefixes of the binary formats
// releases are published in: ELF, Mach-O (both endiannesses and fat),
// and PE.
var executableMagic = [][]byte{
	{0x7f, 'E', 'L', 'F'},
	{0xFE, 0xED, 0xFA, 0xCE},
	{0xFE, 0xED, 0xFA, 0xCF},
	{0xCE, 0xFA, 0xED, 0xFE},
	{0xCF, 0xFA, 0xED, 0xFE},
	{0xCA, 0xFE, 0xBA, 0xBE},
	{'M', 'Z'},
}

// validateBinary checks that the file starts with a known executable
// format's magic bytes.
func validateBinary(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open downloaded binary: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := f.Read(head)
	if err != nil || n < 4 {
		return fmt.Errorf("downloaded file too small to be a valid binary")
	}

	for _, magic := range executableMagic {
		if bytes.HasPrefix(head, magic) {
			return nil
		}
	}
	return fmt.Errorf("downloaded file is not a valid executable (magic: %x)", head)
}
