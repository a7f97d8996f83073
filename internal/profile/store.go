package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/onllm-dev/switchboard/internal/quota"
	"github.com/onllm-dev/switchboard/internal/secret"
)

// Store owns profile and quota state. It is the only writer of that state:
// all sessions read and mutate through it, and every mutating call persists
// the whole document synchronously before returning, so disk is never more
// than one call behind memory.
type Store struct {
	mu     sync.Mutex
	path   string
	cipher *secret.Cipher
	logger *slog.Logger
	flock  *flock.Flock
	doc    *document
}

// NewStore creates a store backed by the JSON document at path. The
// document is loaded (and migrated) immediately; a missing or unreadable
// document degrades to a fresh default store rather than failing. A second
// daemon instance holding the advisory lock is the only fatal condition.
func NewStore(path string, cipher *secret.Cipher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("profile store: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("profile store: %s is locked by another instance", path)
	}

	s := &Store{
		path:   path,
		cipher: cipher,
		logger: logger,
		flock:  lock,
	}
	s.load()
	return s, nil
}

// Close releases the store's advisory lock.
func (s *Store) Close() error {
	return s.flock.Unlock()
}

// load reads and migrates the document, falling back to a default store on
// any persistence error.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read profile store, starting fresh", "path", s.path, "error", err)
		}
		s.doc = defaultDocument()
		s.saveLocked()
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Failed to parse profile store, starting fresh", "path", s.path, "error", err)
		s.doc = defaultDocument()
		s.saveLocked()
		return
	}

	s.doc = &doc
	if migrated := s.migrate(); migrated {
		s.saveLocked()
	}
	s.repairInvariants()
}

// migrate walks the document forward one version at a time. Migrations are
// additive: fields unknown to older versions get sane defaults.
func (s *Store) migrate() bool {
	migrated := false

	// v1 → v2: auto-switch settings and bounded rate-limit history.
	if s.doc.Version < 2 {
		s.doc.AutoSwitch = DefaultAutoSwitchSettings()
		for _, p := range s.doc.Profiles {
			if len(p.RateLimitEvents) > maxRateLimitEvents {
				p.RateLimitEvents = p.RateLimitEvents[:maxRateLimitEvents]
			}
		}
		s.doc.Version = 2
		migrated = true
		s.logger.Info("Migrated profile store", "toVersion", 2)
	}

	return migrated
}

// repairInvariants enforces the structural invariants the rest of the
// system assumes: at least one profile, exactly one default, a valid active
// id.
func (s *Store) repairInvariants() {
	if len(s.doc.Profiles) == 0 {
		s.doc.Profiles = []*Profile{newDefaultProfile()}
	}

	defaults := 0
	for _, p := range s.doc.Profiles {
		if p.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		for i, p := range s.doc.Profiles {
			p.IsDefault = i == 0
		}
	}

	if s.findLocked(s.doc.ActiveProfileID) == nil {
		for _, p := range s.doc.Profiles {
			if p.IsDefault {
				s.doc.ActiveProfileID = p.ID
				break
			}
		}
	}
}

func defaultDocument() *document {
	p := newDefaultProfile()
	return &document{
		Version:         currentVersion,
		Profiles:        []*Profile{p},
		ActiveProfileID: p.ID,
		AutoSwitch:      DefaultAutoSwitchSettings(),
	}
}

func newDefaultProfile() *Profile {
	return &Profile{
		ID:        uuid.New().String(),
		Name:      "Default",
		IsDefault: true,
	}
}

// saveLocked writes the document atomically (temp file + rename). Callers
// must hold s.mu, or call during construction before the store is shared.
func (s *Store) saveLocked() {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal profile store", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.Error("Failed to write profile store", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("Failed to replace profile store", "path", s.path, "error", err)
	}
}

// findLocked returns the live profile with the given id, or nil.
func (s *Store) findLocked(id string) *Profile {
	for _, p := range s.doc.Profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Get returns a copy of the profile with the given id.
func (s *Store) Get(id string) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(id); p != nil {
		return p.clone(), true
	}
	return nil, false
}

// List returns copies of all profiles in stable order.
func (s *Store) List() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Profile, 0, len(s.doc.Profiles))
	for _, p := range s.doc.Profiles {
		out = append(out, p.clone())
	}
	return out
}

// GetActive returns a copy of the active profile.
func (s *Store) GetActive() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(s.doc.ActiveProfileID); p != nil {
		return p.clone()
	}
	// Invariants guarantee a default exists; fall back to it.
	for _, p := range s.doc.Profiles {
		if p.IsDefault {
			return p.clone()
		}
	}
	return nil
}

// SetActive marks the profile with the given id active and stamps its
// LastUsedAt. Returns false (no mutation) if the id is unknown.
func (s *Store) SetActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return false
	}
	s.doc.ActiveProfileID = id
	p.LastUsedAt = time.Now().UTC()
	s.saveLocked()
	return true
}

// Upsert inserts or replaces a profile. Inserted profiles without an id get
// one. The default flag cannot be granted or revoked through Upsert; it is
// preserved from the existing record.
func (s *Store) Upsert(in *Profile) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := in.clone()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if existing := s.findLocked(p.ID); existing != nil {
		p.IsDefault = existing.IsDefault
		*existing = *p
	} else {
		p.IsDefault = false
		s.doc.Profiles = append(s.doc.Profiles, p)
	}
	s.saveLocked()
	return p.clone()
}

// Rename changes a profile's display name. Empty names and unknown ids are
// rejected. The default profile may be renamed; its protected status is
// untouched.
func (s *Store) Rename(id, name string) bool {
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return false
	}
	p.Name = name
	s.saveLocked()
	return true
}

// Delete removes a profile. It refuses (returns false, no mutation) when
// the target is the default profile, the only remaining profile, or
// unknown. Deleting the active profile shifts activity to the default.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(id)
	if p == nil || p.IsDefault || len(s.doc.Profiles) <= 1 {
		return false
	}

	kept := s.doc.Profiles[:0]
	for _, q := range s.doc.Profiles {
		if q.ID != id {
			kept = append(kept, q)
		}
	}
	s.doc.Profiles = kept

	if s.doc.ActiveProfileID == id {
		for _, q := range s.doc.Profiles {
			if q.IsDefault {
				s.doc.ActiveProfileID = q.ID
				break
			}
		}
	}
	s.saveLocked()
	return true
}

// SetToken encrypts and stores credential material for a profile, stamping
// its creation time for expiry tracking. An empty email leaves the stored
// email untouched.
func (s *Store) SetToken(id, token, email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(id)
	if p == nil {
		return false
	}

	stored, err := s.cipher.EncryptForStorage(token)
	if err != nil {
		s.logger.Error("Failed to encrypt credential", "profile", id, "error", err)
		return false
	}

	p.Credential = stored
	p.CredentialCreatedAt = time.Now().UTC()
	if email != "" {
		p.Email = email
	}
	s.saveLocked()
	return true
}

// GetToken decrypts and returns a profile's credential. A missing profile,
// absent credential, or failed decryption all yield ("", false); decryption
// failure additionally logs, since it means the profile needs
// re-authentication.
func (s *Store) GetToken(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(id)
	if p == nil || p.Credential == "" {
		return "", false
	}

	token, err := s.cipher.DecryptFromStorage(p.Credential)
	if err != nil {
		s.logger.Error("Failed to decrypt credential, profile needs re-authentication",
			"profile", id, "error", err)
		return "", false
	}
	return token, true
}

// RecordUsage parses a raw usage text block and stores the resulting
// snapshot on the profile. A block that yields no facts is discarded and
// reported with ok=false so callers don't overwrite good data with noise.
func (s *Store) RecordUsage(id, raw string) (quota.UsageSnapshot, bool) {
	snap := quota.ParseUsage(raw, time.Now().UTC())
	if snap.IsZero() {
		return quota.UsageSnapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return quota.UsageSnapshot{}, false
	}
	p.Usage = snap
	s.saveLocked()
	return snap, true
}

// RecordRateLimit records a rate-limit hit for a profile. The event type is
// decided by classifying the raw reset text, not by the caller. History is
// most-recent-first and capped.
func (s *Store) RecordRateLimit(id, resetRaw string) RateLimitEvent {
	now := time.Now().UTC()
	ev := RateLimitEvent{
		Type:         quota.Classify(resetRaw),
		HitAt:        now,
		ResetAt:      quota.ParseResetTime(resetRaw, now),
		ResetTimeRaw: resetRaw,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return ev
	}

	p.RateLimitEvents = append([]RateLimitEvent{ev}, p.RateLimitEvents...)
	if len(p.RateLimitEvents) > maxRateLimitEvents {
		p.RateLimitEvents = p.RateLimitEvents[:maxRateLimitEvents]
	}
	s.saveLocked()
	return ev
}

// IsRateLimited reports whether a profile is refused further use right now.
func (s *Store) IsRateLimited(id string) RateLimitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return RateLimitStatus{}
	}
	return p.ActiveRateLimit(time.Now().UTC())
}

// Settings returns the current auto-switch settings.
func (s *Store) Settings() AutoSwitchSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AutoSwitch
}

// SetSettings replaces the auto-switch settings, clamping thresholds to
// the 0-100 range.
func (s *Store) SetSettings(settings AutoSwitchSettings) {
	settings.SessionThreshold = clampPercent(settings.SessionThreshold)
	settings.WeeklyThreshold = clampPercent(settings.WeeklyThreshold)
	if settings.UsageCheckInterval < 0 {
		settings.UsageCheckInterval = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AutoSwitch = settings
	s.saveLocked()
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
