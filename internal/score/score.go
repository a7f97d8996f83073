// Package score ranks profiles by how usable they are right now. The
// ranking combines rate-limit state, usage percentages, soft-threshold
// breaches and credential validity into a single number so the switch
// policy can ask one question: "is there a better profile than this one?"
package score

import (
	"sort"
	"time"

	"github.com/onllm-dev/switchboard/internal/profile"
	"github.com/onllm-dev/switchboard/internal/quota"
)

// Weights holds the scoring constants. The defaults encode the relative
// severity ordering (weekly limit > session limit > unauthenticated >
// threshold breach > raw usage), not derived truths, so they can be tuned
// without touching the algorithm.
type Weights struct {
	Base                float64
	WeeklyLimitHit      float64
	SessionLimitHit     float64
	RecoveryBonusCap    float64
	WeeklyUsageFactor   float64
	SessionUsageFactor  float64
	WeeklyThresholdHit  float64
	SessionThresholdHit float64
	NoCredential        float64
}

// DefaultWeights returns the standard scoring constants.
func DefaultWeights() Weights {
	return Weights{
		Base:                100,
		WeeklyLimitHit:      1000,
		SessionLimitHit:     500,
		RecoveryBonusCap:    50,
		WeeklyUsageFactor:   0.5,
		SessionUsageFactor:  0.2,
		WeeklyThresholdHit:  200,
		SessionThresholdHit: 100,
		NoCredential:        500,
	}
}

// Ranked is one profile with its computed availability score.
type Ranked struct {
	Profile *profile.Profile
	Score   float64
}

// Scorer evaluates profiles against the auto-switch thresholds.
type Scorer struct {
	weights Weights
}

func New(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Rank scores every profile except excludeID and returns them sorted best
// first. The sort is stable so equal scores keep their input order.
func (s *Scorer) Rank(profiles []*profile.Profile, excludeID string, settings profile.AutoSwitchSettings, now time.Time) []Ranked {
	ranked := make([]Ranked, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == excludeID {
			continue
		}
		ranked = append(ranked, Ranked{Profile: p, Score: s.scoreOne(p, settings, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// PickBest returns the highest-scoring profile other than excludeID, or nil
// when every candidate is degraded. A candidate must score strictly above
// zero to be worth switching to.
func (s *Scorer) PickBest(profiles []*profile.Profile, excludeID string, settings profile.AutoSwitchSettings, now time.Time) *profile.Profile {
	ranked := s.Rank(profiles, excludeID, settings, now)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		return nil
	}
	return ranked[0].Profile
}

func (s *Scorer) scoreOne(p *profile.Profile, settings profile.AutoSwitchSettings, now time.Time) float64 {
	w := s.weights
	score := w.Base

	if status := p.ActiveRateLimit(now); status.Limited {
		switch status.Type {
		case quota.LimitWeekly:
			score -= w.WeeklyLimitHit
		default:
			score -= w.SessionLimitHit
		}
		// A limit expiring soon is better than one expiring in days.
		hoursUntilReset := status.ResetAt.Sub(now).Hours()
		if bonus := w.RecoveryBonusCap - hoursUntilReset; bonus > 0 {
			score += bonus
		}
	}

	score -= p.Usage.WeeklyPercent * w.WeeklyUsageFactor
	score -= p.Usage.SessionPercent * w.SessionUsageFactor

	if settings.WeeklyThreshold > 0 && p.Usage.WeeklyPercent >= float64(settings.WeeklyThreshold) {
		score -= w.WeeklyThresholdHit
	}
	if settings.SessionThreshold > 0 && p.Usage.SessionPercent >= float64(settings.SessionThreshold) {
		score -= w.SessionThresholdHit
	}

	if !p.HasValidCredential(now) {
		score -= w.NoCredential
	}

	return score
}
