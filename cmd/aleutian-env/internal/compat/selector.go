// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// DefaultCooldown is the minimum time between upgrade probes of one issue.
const DefaultCooldown = 7 * 24 * time.Hour

// DefaultRuntimeRange bounds the versions DEFAULT may select.
const DefaultRuntimeRange = ">=3.11, <3.14"

// Kind is the selector verdict.
type Kind string

const (
	KindDefault     Kind = "DEFAULT"
	KindRecommended Kind = "RECOMMENDED"
)

// Decision is the result of Select.
type Decision struct {
	Kind Kind

	// Version is the recommended version prefix ("3.12") for RECOMMENDED.
	Version string
	Reason  string
	IssueID string

	// Probed is set when an upgrade probe ran during this selection.
	Probed       bool
	ProbeOutcome ProbeOutcome
}

// String renders the decision for logs and reports.
func (d Decision) String() string {
	if d.Kind == KindRecommended {
		return fmt.Sprintf("%s %s (%s)", d.Kind, d.Version, d.IssueID)
	}
	if d.IssueID != "" {
		return fmt.Sprintf("%s (%s resolved)", d.Kind, d.IssueID)
	}
	return string(d.Kind)
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Cooldown     time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Selector evaluates the compatibility matrix against a signature.
//
// # Thread Safety
//
// A Selector is used by one run at a time.
type Selector struct {
	rules  []Rule
	store  StateStore
	prober Prober
	config SelectorConfig
}

// NewSelector creates a Selector. prober may be nil to disable probing.
func NewSelector(rules []Rule, store StateStore, prober Prober, config SelectorConfig) *Selector {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Selector{rules: rules, store: store, prober: prober, config: config}
}

// Match returns the first rule whose predicate holds.
func (s *Selector) Match(sig Signature) (Rule, bool) {
	for _, r := range s.rules {
		if r.Predicate(sig) {
			return r, true
		}
	}
	return Rule{}, false
}

// Select decides between DEFAULT and a recommended version.
//
// # Description
//
// The first matching rule decides. With no match the result is DEFAULT and
// nothing is persisted. A rule seen for the first time is recorded as
// active and its cooldown starts. A resolved issue yields DEFAULT. An
// active issue whose cooldown has elapsed is probed against
// defaultCandidate when adaptive is set and the rule carries a probe; a
// resolved probe flips the state and yields DEFAULT. Every other probe
// outcome restarts the cooldown and keeps the recommendation.
//
// # Inputs
//
//   - ctx: cancels a running probe.
//   - sig: the environment signature.
//   - adaptive: whether probing is allowed in this run.
//   - defaultCandidate: full version DEFAULT would install, e.g. "3.13.1".
//
// # Outputs
//
//   - Decision: the verdict.
//   - error: store failures or ctx cancellation.
func (s *Selector) Select(ctx context.Context, sig Signature, adaptive bool, defaultCandidate string) (Decision, error) {
	rule, ok := s.Match(sig)
	if !ok {
		return Decision{Kind: KindDefault}, nil
	}
	log := s.config.Logger.With("issue_id", rule.ID)
	now := s.config.Now().UTC()

	recommended := Decision{
		Kind:    KindRecommended,
		Version: rule.RecommendedVersion,
		Reason:  rule.Reason,
		IssueID: rule.ID,
	}

	st, err := s.store.Get(ctx, rule.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load compatibility state %s: %w", rule.ID, err)
	}
	if st == nil {
		st = &State{
			IssueID:             rule.ID,
			Status:              StatusActive,
			LastUpgradeTestedAt: now,
			ChosenVersion:       rule.RecommendedVersion,
		}
		log.Info("known issue matched", "recommended", rule.RecommendedVersion, "reason", rule.Reason)
	}
	st.LastCheckedAt = now

	if st.Status == StatusResolved {
		if err := s.store.Put(ctx, *st); err != nil {
			return Decision{}, fmt.Errorf("save compatibility state %s: %w", rule.ID, err)
		}
		return Decision{Kind: KindDefault, IssueID: rule.ID, Reason: "issue resolved upstream"}, nil
	}

	due := now.Sub(st.LastUpgradeTestedAt) >= s.config.Cooldown
	if adaptive && due && s.prober != nil && rule.Probe.Package != "" && defaultCandidate != "" {
		outcome, err := s.prober.Probe(ctx, ProbeRequest{
			Version: defaultCandidate,
			Spec:    rule.Probe,
			Timeout: s.config.ProbeTimeout,
		})
		if err != nil {
			return Decision{}, err
		}
		st.LastUpgradeTestedAt = now
		recommended.Probed = true
		recommended.ProbeOutcome = outcome
		log.Info("upgrade probe finished", "candidate", defaultCandidate, "outcome", outcome.String())

		if outcome == ProbeResolved {
			st.Status = StatusResolved
			st.ChosenVersion = defaultCandidate
			if err := s.store.Put(ctx, *st); err != nil {
				return Decision{}, fmt.Errorf("save compatibility state %s: %w", rule.ID, err)
			}
			return Decision{
				Kind:         KindDefault,
				IssueID:      rule.ID,
				Reason:       "upgrade probe passed",
				Probed:       true,
				ProbeOutcome: outcome,
			}, nil
		}
	}

	st.ChosenVersion = rule.RecommendedVersion
	if err := s.store.Put(ctx, *st); err != nil {
		return Decision{}, fmt.Errorf("save compatibility state %s: %w", rule.ID, err)
	}
	return recommended, nil
}

// -----------------------------------------------------------------------------
// Version picking
// -----------------------------------------------------------------------------

// CheckPlatform rejects platforms the engine cannot provision.
func CheckPlatform(sig Signature) error {
	switch sig.Platform {
	case PlatformMac, PlatformLinux:
		return nil
	}
	return &UnsupportedError{Reason: fmt.Sprintf("platform %q is not supported", sig.Platform)}
}

// DefaultVersion returns the newest stable version inside rangeSpec.
func DefaultVersion(available []versions.Version, rangeSpec string) (versions.Version, error) {
	if rangeSpec == "" {
		rangeSpec = DefaultRuntimeRange
	}
	c, err := semver.NewConstraint(rangeSpec)
	if err != nil {
		return versions.Version{}, fmt.Errorf("runtime range %q: %w", rangeSpec, err)
	}
	sorted := versions.StableOnly(available)
	versions.SortDescending(sorted)
	for _, v := range sorted {
		if c.Check(v.Semver()) {
			return v, nil
		}
	}
	return versions.Version{}, &UnsupportedError{Reason: fmt.Sprintf("no installable runtime matches %s", rangeSpec)}
}

// PickVersion maps a decision to a concrete installable version.
//
// DEFAULT picks via DefaultVersion. RECOMMENDED picks the newest stable
// version whose release starts with the recommended prefix.
func PickVersion(d Decision, available []versions.Version, rangeSpec string) (versions.Version, error) {
	if d.Kind != KindRecommended {
		return DefaultVersion(available, rangeSpec)
	}
	want, err := versions.Parse(d.Version)
	if err != nil {
		return versions.Version{}, fmt.Errorf("recommended version %q: %w", d.Version, err)
	}
	sorted := versions.StableOnly(available)
	versions.SortDescending(sorted)
	for _, v := range sorted {
		if v.HasPrefix(want.Release()) {
			return v, nil
		}
	}
	return versions.Version{}, &UnsupportedError{Reason: fmt.Sprintf("recommended runtime %s is not installable", d.Version)}
}
