package score

import (
	"testing"
	"time"

	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/quota"
)

func authedProfile(id string) *profile.Profile {
	return &profile.Profile{
		ID:                  id,
		Name:                id,
		Credential:          "enc:x",
		CredentialCreatedAt: time.Now().Add(-time.Hour),
	}
}

func TestUnusedAuthenticatedProfileScoresBase(t *testing.T) {
	s := New(DefaultWeights())
	ranked := s.Rank([]*profile.Profile{authedProfile("a")}, "", profile.DefaultAutoSwitchSettings(), time.Now())
	if len(ranked) != 1 {
		t.Fatalf("Expected 1 ranked profile, got %d", len(ranked))
	}
	if ranked[0].Score != 100 {
		t.Errorf("Score = %v, want 100", ranked[0].Score)
	}
}

func TestWeeklyUsageMonotonicity(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()
	settings := profile.DefaultAutoSwitchSettings()

	low := authedProfile("low")
	low.Usage.WeeklyPercent = 20
	high := authedProfile("high")
	high.Usage.WeeklyPercent = 60

	ranked := s.Rank([]*profile.Profile{high, low}, "", settings, now)
	if ranked[0].Profile.ID != "low" {
		t.Errorf("Lower weekly usage should rank first, got %s", ranked[0].Profile.ID)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("Higher weekly usage must never score higher: %v vs %v", ranked[0].Score, ranked[1].Score)
	}
}

func TestThresholdBreachPenalizedIndependently(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()
	settings := profile.DefaultAutoSwitchSettings() // thresholds 80/90

	under := authedProfile("under")
	under.Usage.WeeklyPercent = 89
	over := authedProfile("over")
	over.Usage.WeeklyPercent = 90

	ranked := s.Rank([]*profile.Profile{under, over}, "", settings, now)
	gap := ranked[0].Score - ranked[1].Score
	// 1% of raw usage is worth 0.5; the rest of the gap is the breach penalty.
	if gap < 200 {
		t.Errorf("Threshold breach should cost at least 200 points, gap was %v", gap)
	}
}

func TestWeeklyLimitWorseThanSessionLimit(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()
	settings := profile.DefaultAutoSwitchSettings()

	weekly := authedProfile("weekly")
	weekly.RateLimitEvents = []profile.RateLimitEvent{{
		Type: quota.LimitWeekly, HitAt: now, ResetAt: now.Add(3 * 24 * time.Hour),
	}}
	session := authedProfile("session")
	session.RateLimitEvents = []profile.RateLimitEvent{{
		Type: quota.LimitSession, HitAt: now, ResetAt: now.Add(3 * time.Hour),
	}}

	ranked := s.Rank([]*profile.Profile{weekly, session}, "", settings, now)
	if ranked[0].Profile.ID != "session" {
		t.Errorf("Session-limited profile should outrank weekly-limited, got %s first", ranked[0].Profile.ID)
	}
}

func TestSoonerResetScoresHigher(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()
	settings := profile.DefaultAutoSwitchSettings()

	soon := authedProfile("soon")
	soon.RateLimitEvents = []profile.RateLimitEvent{{
		Type: quota.LimitSession, HitAt: now, ResetAt: now.Add(time.Hour),
	}}
	later := authedProfile("later")
	later.RateLimitEvents = []profile.RateLimitEvent{{
		Type: quota.LimitSession, HitAt: now, ResetAt: now.Add(4 * time.Hour),
	}}

	ranked := s.Rank([]*profile.Profile{later, soon}, "", settings, now)
	if ranked[0].Profile.ID != "soon" {
		t.Errorf("Limit expiring sooner should rank first, got %s", ranked[0].Profile.ID)
	}
}

func TestPickBestPrefersUnusedProfile(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()
	settings := profile.DefaultAutoSwitchSettings() // weekly threshold 90

	a := authedProfile("a")
	a.Usage.WeeklyPercent = 95
	b := authedProfile("b")

	best := s.PickBest([]*profile.Profile{a, b}, "a", settings, now)
	if best == nil || best.ID != "b" {
		t.Fatalf("PickBest should return the unused profile, got %v", best)
	}
}

func TestPickBestAbsentWhenAllDegraded(t *testing.T) {
	s := New(DefaultWeights())
	now := time.Now()

	only := &profile.Profile{ID: "only", Name: "only"} // no credential at all
	only.RateLimitEvents = []profile.RateLimitEvent{{
		Type: quota.LimitWeekly, HitAt: now, ResetAt: now.Add(5 * 24 * time.Hour),
	}}

	if best := s.PickBest([]*profile.Profile{only}, "", profile.DefaultAutoSwitchSettings(), now); best != nil {
		t.Errorf("PickBest should be absent when every profile is degraded, got %s", best.ID)
	}
}

func TestPickBestExcludesCurrent(t *testing.T) {
	s := New(DefaultWeights())
	a := authedProfile("a")

	if best := s.PickBest([]*profile.Profile{a}, "a", profile.DefaultAutoSwitchSettings(), time.Now()); best != nil {
		t.Errorf("PickBest must never return the excluded profile, got %s", best.ID)
	}
}

func TestStableOrderOnTies(t *testing.T) {
	s := New(DefaultWeights())
	a := authedProfile("a")
	b := authedProfile("b")

	ranked := s.Rank([]*profile.Profile{a, b}, "", profile.DefaultAutoSwitchSettings(), time.Now())
	if ranked[0].Profile.ID != "a" || ranked[1].Profile.ID != "b" {
		t.Errorf("Equal scores should keep input order, got %s then %s",
			ranked[0].Profile.ID, ranked[1].Profile.ID)
	}
}
