package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onllm-dev/switchboard/internal/quota"
	"github.com/onllm-dev/switchboard/internal/secret"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := secret.NewCipher("3b7e151628aed2a6abf7158809cf4f3c3b7e151628aed2a6abf7158809cf4f3c")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	s, err := NewStore(filepath.Join(t.TempDir(), "profiles.json"), cipher, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFreshStoreHasOneDefaultProfile(t *testing.T) {
	s := newTestStore(t)

	profiles := s.List()
	if len(profiles) != 1 {
		t.Fatalf("Expected 1 profile in fresh store, got %d", len(profiles))
	}
	if !profiles[0].IsDefault {
		t.Error("Fresh store's only profile should be the default")
	}
	if active := s.GetActive(); active == nil || active.ID != profiles[0].ID {
		t.Error("Fresh store's default profile should be active")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	if !s.SetToken(id, "sk-ant-oat01-secret", "a@example.com") {
		t.Fatal("SetToken failed")
	}

	got, ok := s.GetToken(id)
	if !ok {
		t.Fatal("GetToken returned absent after SetToken")
	}
	if got != "sk-ant-oat01-secret" {
		t.Errorf("GetToken = %q, want the original secret", got)
	}

	// The persisted document must never contain the plaintext.
	p, _ := s.Get(id)
	if !secret.IsEncryptedValue(p.Credential) {
		t.Errorf("Stored credential is not encrypted: %q", p.Credential)
	}
	if p.Email != "a@example.com" {
		t.Errorf("Email = %q, want a@example.com", p.Email)
	}
	if p.CredentialCreatedAt.IsZero() {
		t.Error("CredentialCreatedAt should be stamped")
	}
}

func TestGetTokenAbsentCases(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	if _, ok := s.GetToken(id); ok {
		t.Error("GetToken should be absent for a profile without a credential")
	}
	if _, ok := s.GetToken("no-such-id"); ok {
		t.Error("GetToken should be absent for an unknown profile")
	}
}

func TestCorruptCredentialDegradesToAbsent(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	s.mu.Lock()
	s.findLocked(id).Credential = "enc:not-real-ciphertext"
	s.mu.Unlock()

	if _, ok := s.GetToken(id); ok {
		t.Error("Corrupt credential should read as absent, forcing re-auth")
	}
}

func TestDeleteInvariants(t *testing.T) {
	s := newTestStore(t)
	def := s.List()[0]

	// The only profile can never be deleted.
	if s.Delete(def.ID) {
		t.Error("Deleting the only profile should fail")
	}

	second := s.Upsert(&Profile{Name: "Work"})
	third := s.Upsert(&Profile{Name: "Personal"})

	// The default can never be deleted, even with others present.
	if s.Delete(def.ID) {
		t.Error("Deleting the default profile should fail")
	}

	if !s.Delete(second.ID) {
		t.Error("Deleting a non-default profile should succeed")
	}
	if !s.Delete(third.ID) {
		t.Error("Deleting the other non-default profile should succeed")
	}

	// However deletes are sequenced, the store retains the default.
	profiles := s.List()
	if len(profiles) != 1 || !profiles[0].IsDefault {
		t.Errorf("Store should retain exactly the default profile, got %d profiles", len(profiles))
	}
}

func TestDeleteActiveProfileFallsBackToDefault(t *testing.T) {
	s := newTestStore(t)
	def := s.List()[0]
	second := s.Upsert(&Profile{Name: "Work"})

	if !s.SetActive(second.ID) {
		t.Fatal("SetActive failed")
	}
	if !s.Delete(second.ID) {
		t.Fatal("Delete failed")
	}
	if active := s.GetActive(); active.ID != def.ID {
		t.Errorf("Active profile should fall back to default, got %s", active.Name)
	}
}

func TestSetActiveUnknownID(t *testing.T) {
	s := newTestStore(t)
	if s.SetActive("no-such-id") {
		t.Error("SetActive with unknown id should fail")
	}
}

func TestSetActiveStampsLastUsed(t *testing.T) {
	s := newTestStore(t)
	second := s.Upsert(&Profile{Name: "Work"})

	before := time.Now().UTC().Add(-time.Second)
	if !s.SetActive(second.ID) {
		t.Fatal("SetActive failed")
	}
	p, _ := s.Get(second.ID)
	if p.LastUsedAt.Before(before) {
		t.Errorf("LastUsedAt not stamped: %v", p.LastUsedAt)
	}
}

func TestRenameRules(t *testing.T) {
	s := newTestStore(t)
	def := s.List()[0]

	if s.Rename(def.ID, "") {
		t.Error("Renaming to empty should fail")
	}
	if !s.Rename(def.ID, "Main") {
		t.Error("Renaming the default profile should succeed")
	}
	p, _ := s.Get(def.ID)
	if p.Name != "Main" || !p.IsDefault {
		t.Errorf("Rename result: name=%q isDefault=%v", p.Name, p.IsDefault)
	}
}

func TestUpsertCannotGrantDefault(t *testing.T) {
	s := newTestStore(t)

	p := s.Upsert(&Profile{Name: "Work", IsDefault: true})
	if p.IsDefault {
		t.Error("Upsert must not grant default status to a new profile")
	}

	defaults := 0
	for _, q := range s.List() {
		if q.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("Expected exactly 1 default profile, got %d", defaults)
	}
}

func TestRecordUsageAndRateLimit(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	snap, ok := s.RecordUsage(id, "Current session\n 45% used\nResets 11:59pm\n")
	if !ok {
		t.Fatal("RecordUsage should succeed for a parseable block")
	}
	if snap.SessionPercent != 45 {
		t.Errorf("SessionPercent = %v, want 45", snap.SessionPercent)
	}

	if _, ok := s.RecordUsage(id, "nothing to see"); ok {
		t.Error("RecordUsage should report false for an unparseable block")
	}
	p, _ := s.Get(id)
	if p.Usage.SessionPercent != 45 {
		t.Error("Unparseable block must not overwrite the stored snapshot")
	}

	ev := s.RecordRateLimit(id, "Dec 17 at 6am (Europe/Oslo)")
	if ev.Type != quota.LimitWeekly {
		t.Errorf("Event type = %v, want weekly", ev.Type)
	}
	status := s.IsRateLimited(id)
	if !status.Limited || status.Type != quota.LimitWeekly {
		t.Errorf("IsRateLimited = %+v, want weekly limited", status)
	}
}

func TestRateLimitHistoryCapped(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	for i := 0; i < 15; i++ {
		s.RecordRateLimit(id, "11:59pm")
	}
	p, _ := s.Get(id)
	if len(p.RateLimitEvents) != 10 {
		t.Errorf("Rate-limit history = %d events, want 10", len(p.RateLimitEvents))
	}
}

func TestExpiredRateLimitNotReported(t *testing.T) {
	s := newTestStore(t)
	id := s.List()[0].ID

	s.mu.Lock()
	s.findLocked(id).RateLimitEvents = []RateLimitEvent{{
		Type:    quota.LimitSession,
		HitAt:   time.Now().Add(-6 * time.Hour),
		ResetAt: time.Now().Add(-time.Hour),
	}}
	s.mu.Unlock()

	if s.IsRateLimited(id).Limited {
		t.Error("An expired rate-limit event should not report as limited")
	}
}

func TestCorruptStoreFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("Failed to write corrupt store: %v", err)
	}

	cipher, err := secret.NewCipher("3b7e151628aed2a6abf7158809cf4f3c3b7e151628aed2a6abf7158809cf4f3c")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	s, err := NewStore(path, cipher, nil)
	if err != nil {
		t.Fatalf("Corrupt store should not be fatal: %v", err)
	}
	defer s.Close()

	if len(s.List()) != 1 {
		t.Errorf("Expected fresh default store, got %d profiles", len(s.List()))
	}
}

func TestMigrationFromV1(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")

	v1 := map[string]any{
		"version": 1,
		"profiles": []map[string]any{
			{"id": "p1", "name": "Old", "isDefault": true},
		},
		"activeProfileId": "p1",
	}
	data, _ := json.Marshal(v1)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("Failed to write v1 store: %v", err)
	}

	cipher, err := secret.NewCipher("3b7e151628aed2a6abf7158809cf4f3c3b7e151628aed2a6abf7158809cf4f3c")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	s, err := NewStore(path, cipher, nil)
	if err != nil {
		t.Fatalf("Failed to open v1 store: %v", err)
	}
	defer s.Close()

	settings := s.Settings()
	if !settings.Enabled || settings.WeeklyThreshold != 90 {
		t.Errorf("Migrated settings should carry defaults, got %+v", settings)
	}

	// The migrated document must be rewritten at the current version.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to re-read store: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Failed to parse rewritten store: %v", err)
	}
	if v, _ := doc["version"].(float64); int(v) != currentVersion {
		t.Errorf("Rewritten version = %v, want %d", doc["version"], currentVersion)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.json")
	cipher, err := secret.NewCipher("3b7e151628aed2a6abf7158809cf4f3c3b7e151628aed2a6abf7158809cf4f3c")
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	s1, err := NewStore(path, cipher, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	p := s1.Upsert(&Profile{Name: "Work"})
	s1.SetToken(p.ID, "tok-123", "")
	s1.Close()

	s2, err := NewStore(path, cipher, nil)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	got, ok := s2.GetToken(p.ID)
	if !ok || got != "tok-123" {
		t.Errorf("Token after reopen = %q, %v; want tok-123, true", got, ok)
	}
}

func TestHasValidCredential(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		p    Profile
		want bool
	}{
		{"no credential", Profile{}, false},
		{"fresh credential", Profile{Credential: "enc:x", CredentialCreatedAt: now.Add(-time.Hour)}, true},
		{"expired credential", Profile{Credential: "enc:x", CredentialCreatedAt: now.Add(-366 * 24 * time.Hour)}, false},
		{"legacy unstamped", Profile{Credential: "plain"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.HasValidCredential(now); got != tc.want {
				t.Errorf("HasValidCredential = %v, want %v", got, tc.want)
			}
		})
	}
}
