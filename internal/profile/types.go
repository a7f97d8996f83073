// Package profile provides the credential store: durable, encrypted
// persistence of per-profile credentials, quota state and rate-limit
// history for the coding-agent CLI accounts the daemon manages.
package profile

import (
	"time"

	"github.com/onllm-dev/switchboard/internal/quota"
)

// CredentialValidity is the fixed lifetime of a stored credential. Tokens
// older than this are treated as expired and the profile as needing
// re-authentication.
const CredentialValidity = 365 * 24 * time.Hour

// maxRateLimitEvents caps the per-profile rate-limit history.
const maxRateLimitEvents = 10

// Profile is one credentialed account.
type Profile struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	IsDefault           bool                `json:"isDefault"`
	Email               string              `json:"email,omitempty"`
	Credential          string              `json:"credential,omitempty"` // encrypted at rest ("enc:" prefix)
	CredentialCreatedAt time.Time           `json:"credentialCreatedAt,omitempty"`
	LastUsedAt          time.Time           `json:"lastUsedAt,omitempty"`
	Usage               quota.UsageSnapshot `json:"usage"`
	RateLimitEvents     []RateLimitEvent    `json:"rateLimitEvents,omitempty"` // most recent first
}

// RateLimitEvent records one refusal and when it lifts.
type RateLimitEvent struct {
	Type         quota.LimitType `json:"type"`
	HitAt        time.Time       `json:"hitAt"`
	ResetAt      time.Time       `json:"resetAt"`
	ResetTimeRaw string          `json:"resetTimeRaw"`
}

// RateLimitStatus is the answer to "can this profile be used right now".
type RateLimitStatus struct {
	Limited bool
	Type    quota.LimitType
	ResetAt time.Time
}

// HasValidCredential reports whether the profile carries a credential that
// is present and inside its validity window at the given time.
func (p *Profile) HasValidCredential(now time.Time) bool {
	if p.Credential == "" {
		return false
	}
	if p.CredentialCreatedAt.IsZero() {
		// Legacy profiles predate creation stamping; treat as valid.
		return true
	}
	return now.Before(p.CredentialCreatedAt.Add(CredentialValidity))
}

// ActiveRateLimit returns the most recent rate-limit event still in effect
// at the given time. Weekly limits shadow session limits when both are
// active.
func (p *Profile) ActiveRateLimit(now time.Time) RateLimitStatus {
	status := RateLimitStatus{}
	for _, ev := range p.RateLimitEvents {
		if !ev.ResetAt.After(now) {
			continue
		}
		if !status.Limited || (ev.Type == quota.LimitWeekly && status.Type != quota.LimitWeekly) {
			status = RateLimitStatus{Limited: true, Type: ev.Type, ResetAt: ev.ResetAt}
		}
	}
	return status
}

// clone returns a deep copy so callers never alias store-owned state.
func (p *Profile) clone() *Profile {
	cp := *p
	if len(p.RateLimitEvents) > 0 {
		cp.RateLimitEvents = make([]RateLimitEvent, len(p.RateLimitEvents))
		copy(cp.RateLimitEvents, p.RateLimitEvents)
	}
	return &cp
}

// AutoSwitchSettings is the process-wide switching policy.
type AutoSwitchSettings struct {
	Enabled            bool    `json:"enabled"`
	SessionThreshold   float64 `json:"sessionThreshold"` // 0-100
	WeeklyThreshold    float64 `json:"weeklyThreshold"`  // 0-100
	SwitchOnRateLimit  bool    `json:"autoSwitchOnRateLimit"`
	UsageCheckInterval int     `json:"usageCheckInterval"` // seconds, 0 disables polling
}

// DefaultAutoSwitchSettings returns the settings applied to fresh stores
// and to documents migrated from versions that predate auto-switching.
func DefaultAutoSwitchSettings() AutoSwitchSettings {
	return AutoSwitchSettings{
		Enabled:            true,
		SessionThreshold:   80,
		WeeklyThreshold:    90,
		SwitchOnRateLimit:  true,
		UsageCheckInterval: 300,
	}
}

// document is the persisted store shape: a single versioned JSON document.
type document struct {
	Version         int                `json:"version"`
	Profiles        []*Profile         `json:"profiles"`
	ActiveProfileID string             `json:"activeProfileId"`
	AutoSwitch      AutoSwitchSettings `json:"autoSwitch"`
}

// currentVersion is the document version this build reads and writes.
const currentVersion = 2
