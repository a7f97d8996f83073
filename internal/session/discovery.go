package session

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// The wrapped CLI records each conversation as <uuid>.jsonl under a
// directory derived from the working directory. The id is discovered by
// polling that location; it also sometimes appears verbatim in process
// output, whichever lands first wins.
const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

var uuidRe = regexp.MustCompile(`^` + uuidPattern + `$`)

// encodeProjectDir mirrors the CLI's own mapping of a working directory to
// its per-project state directory name.
func encodeProjectDir(cwd string) string {
	s := strings.ReplaceAll(cwd, "/", "-")
	return strings.ReplaceAll(s, ".", "-")
}

// findExternalID looks for the newest conversation file created after
// since and returns its id.
func findExternalID(projectsDir, cwd string, since time.Time) (string, bool) {
	dir := filepath.Join(projectsDir, encodeProjectDir(cwd))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var (
		bestID   string
		bestTime time.Time
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if !uuidRe.MatchString(id) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(since) {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			bestID = id
		}
	}
	return bestID, bestID != ""
}

// discoverExternalID polls for the session's conversation file a fixed
// number of times and reports the id through found. It stops early when
// the context is cancelled.
func discoverExternalID(ctx context.Context, projectsDir, cwd string, since time.Time, attempts int, interval time.Duration, found func(string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a cancel can be ready together; cancel wins.
			if ctx.Err() != nil {
				return
			}
			if id, ok := findExternalID(projectsDir, cwd, since); ok {
				found(id)
				return
			}
		}
	}
}
