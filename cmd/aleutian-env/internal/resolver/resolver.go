// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver turns a free-text dependency conflict report into
// version pins. Each conflict is tried against an ordered list of
// strategies and the first strategy producing a candidate wins.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/registry"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/versions"
)

// Rank constants for the heuristic strategies. The ranks are empirical;
// tune them through Config rather than editing call sites.
const (
	// RequiringScanDepth is how many recent releases of the requiring
	// package are searched for a looser dependency.
	RequiringScanDepth = 5

	// SampleRank picks the n-th newest version seen in public manifests.
	SampleRank = 4

	// FallbackRank picks the n-th newest stable release.
	FallbackRank = 6
)

// Strategy names a resolution strategy.
type Strategy string

const (
	StrategyRegistry Strategy = "registry"
	StrategyIndex    Strategy = "secondary-index"
	StrategySampling Strategy = "pattern-sampling"
	StrategyFallback Strategy = "fallback"
)

// Candidate is a proposed pin.
type Candidate struct {
	Package   string   `json:"package"`
	Version   string   `json:"version"`
	Rationale string   `json:"rationale"`
	Strategy  Strategy `json:"strategy"`
}

// Attempt records one strategy evaluation for diagnostics.
type Attempt struct {
	Conflict ConflictRecord
	Strategy Strategy
	Found    bool
	Detail   string
}

// Outcome is the result of one resolution pass.
type Outcome struct {
	Records    []ConflictRecord
	Candidates []Candidate
	Attempts   []Attempt

	// Rejected candidates targeted a package the user pinned explicitly.
	Rejected []Candidate
}

// Inconclusive reports a pass that produced nothing actionable.
func (o Outcome) Inconclusive() bool {
	return len(o.Records) == 0 || len(o.Candidates) == 0
}

// Config configures a Resolver. Zero values take the package defaults.
type Config struct {
	RequiringScanDepth int
	SampleRank         int
	FallbackRank       int

	// Cache is reset at the start of every pass.
	Cache  *registry.Cache
	Logger *slog.Logger
}

// Resolver runs the strategy chain.
//
// # Thread Safety
//
// Not safe for concurrent use; a run resolves one report at a time.
type Resolver struct {
	reg       registry.Registry
	index     registry.SecondaryIndex
	manifests registry.ManifestSource
	config    Config
	tracer    trace.Tracer
}

// New creates a Resolver. index and manifests may be nil, which skips the
// corresponding strategies.
func New(reg registry.Registry, index registry.SecondaryIndex, manifests registry.ManifestSource, config Config) *Resolver {
	if config.RequiringScanDepth <= 0 {
		config.RequiringScanDepth = RequiringScanDepth
	}
	if config.SampleRank <= 0 {
		config.SampleRank = SampleRank
	}
	if config.FallbackRank <= 0 {
		config.FallbackRank = FallbackRank
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Resolver{
		reg:       reg,
		index:     index,
		manifests: manifests,
		config:    config,
		tracer:    otel.Tracer("aleutian-env/resolver"),
	}
}

// PinnedFunc reports whether the user pinned pkg explicitly.
type PinnedFunc func(pkg string) bool

// Resolve parses report and proposes pins.
//
// # Description
//
// For every conflict the strategies run in order: registry, secondary
// index, pattern sampling, fallback. The first strategy that yields a
// candidate wins; later strategies are not consulted. A candidate for a
// package the user pinned explicitly is rejected and does not count. Only
// the first candidate per package is kept. Upstream failures count as
// "no data" for that strategy.
//
// # Inputs
//
//   - ctx: bounds every upstream call.
//   - report: installer or compiler output.
//   - pinned: user pin lookup. Nil means nothing is pinned.
func (r *Resolver) Resolve(ctx context.Context, report string, pinned PinnedFunc) Outcome {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve")
	defer span.End()

	r.config.Cache.Reset()
	if pinned == nil {
		pinned = func(string) bool { return false }
	}

	out := Outcome{Records: Parse(report)}
	span.SetAttributes(attribute.Int("conflicts", len(out.Records)))
	if len(out.Records) == 0 {
		r.config.Logger.Warn("conflict report not recognized; resolution inconclusive")
		passesTotal.WithLabelValues("inconclusive").Inc()
		return out
	}

	chosen := make(map[string]bool)
	for _, rec := range out.Records {
		log := r.config.Logger.With("requiring", rec.RequiringPkg+"=="+rec.RequiringVer,
			"required", rec.RequiredPkg+rec.RequiredSpecifier, "installed", rec.InstalledVer)

		for _, strategy := range r.strategies() {
			cands, detail := strategy.run(ctx, rec)
			var accepted []Candidate
			for _, c := range cands {
				if pinned(c.Package) {
					out.Rejected = append(out.Rejected, c)
					detail += fmt.Sprintf("; %s is pinned by the user", c.Package)
					continue
				}
				accepted = append(accepted, c)
			}
			out.Attempts = append(out.Attempts, Attempt{Conflict: rec, Strategy: strategy.name, Found: len(accepted) > 0, Detail: detail})
			if len(accepted) == 0 {
				log.Debug("strategy found nothing", "strategy", strategy.name, "detail", detail)
				continue
			}
			for _, c := range accepted {
				key := toolchain.NormalizeName(c.Package)
				if chosen[key] {
					continue
				}
				chosen[key] = true
				out.Candidates = append(out.Candidates, c)
				candidatesTotal.WithLabelValues(string(c.Strategy)).Inc()
				log.Info("resolution candidate", "strategy", c.Strategy, "package", c.Package, "version", c.Version, "rationale", c.Rationale)
			}
			break
		}
	}

	if len(out.Candidates) == 0 {
		passesTotal.WithLabelValues("inconclusive").Inc()
	} else {
		passesTotal.WithLabelValues("resolved").Inc()
	}
	span.SetAttributes(attribute.Int("candidates", len(out.Candidates)))
	return out
}

type namedStrategy struct {
	name Strategy
	run  func(ctx context.Context, rec ConflictRecord) ([]Candidate, string)
}

func (r *Resolver) strategies() []namedStrategy {
	return []namedStrategy{
		{StrategyRegistry, r.registryLookup},
		{StrategyIndex, r.indexLookup},
		{StrategySampling, r.patternSampling},
		{StrategyFallback, r.fallback},
	}
}

// -----------------------------------------------------------------------------
// Strategies
// -----------------------------------------------------------------------------

// registryLookup picks the newest stable release of the required package
// inside the specifier. When none exists it searches the most recent
// releases of the requiring package for one whose dependency accepts the
// installed version.
func (r *Resolver) registryLookup(ctx context.Context, rec ConflictRecord) ([]Candidate, string) {
	spec, err := versions.ParseSpecifier(rec.RequiredSpecifier)
	if err != nil {
		return nil, "unparseable specifier: " + err.Error()
	}

	all, err := r.reg.Versions(ctx, rec.RequiredPkg)
	if err != nil {
		return nil, "registry: " + err.Error()
	}
	if v, ok := spec.NewestAllowed(all); ok {
		return []Candidate{{
			Package:   rec.RequiredPkg,
			Version:   v.String(),
			Rationale: fmt.Sprintf("newest stable %s matching %s", rec.RequiredPkg, displaySpec(rec.RequiredSpecifier)),
			Strategy:  StrategyRegistry,
		}}, ""
	}

	if rec.InstalledVer == "" {
		return nil, "no release matches and no installed version to keep"
	}
	installed, err := versions.Parse(rec.InstalledVer)
	if err != nil {
		return nil, "installed version unparseable"
	}
	requiring, err := r.reg.Versions(ctx, rec.RequiringPkg)
	if err != nil {
		return nil, "registry: " + err.Error()
	}
	recent := versions.StableOnly(requiring)
	versions.SortDescending(recent)
	if len(recent) > r.config.RequiringScanDepth {
		recent = recent[:r.config.RequiringScanDepth]
	}
	want := toolchain.NormalizeName(rec.RequiredPkg)
	for _, v := range recent {
		deps, err := r.reg.Dependencies(ctx, rec.RequiringPkg, v.String())
		if err != nil {
			continue
		}
		for _, d := range deps {
			if d.Key() != want {
				continue
			}
			ds, err := versions.ParseSpecifier(d.Specifier)
			if err != nil || !ds.Allows(installed) {
				break
			}
			return []Candidate{{
				Package:   rec.RequiringPkg,
				Version:   v.String(),
				Rationale: fmt.Sprintf("%s %s accepts %s %s", rec.RequiringPkg, v, rec.RequiredPkg, rec.InstalledVer),
				Strategy:  StrategyRegistry,
			}}, ""
		}
	}
	return nil, fmt.Sprintf("no release matches and none of the last %d %s releases accepts %s", r.config.RequiringScanDepth, rec.RequiringPkg, rec.InstalledVer)
}

// indexLookup consults the secondary index for a build of the required
// package compatible with both the conflict specifier and what the index
// records for the requiring release.
func (r *Resolver) indexLookup(ctx context.Context, rec ConflictRecord) ([]Candidate, string) {
	if r.index == nil {
		return nil, "no secondary index configured"
	}
	spec, err := versions.ParseSpecifier(rec.RequiredSpecifier)
	if err != nil {
		return nil, "unparseable specifier"
	}
	want := toolchain.NormalizeName(rec.RequiredPkg)

	var indexSpec versions.Specifier
	if combos, err := r.index.Combinations(ctx, rec.RequiringPkg); err == nil {
		for _, c := range combos {
			if c.Version != rec.RequiringVer {
				continue
			}
			if s, err := versions.ParseSpecifier(c.Depends[want]); err == nil {
				indexSpec = s
			}
			break
		}
	}

	builds, err := r.index.Combinations(ctx, rec.RequiredPkg)
	if err != nil {
		return nil, "secondary index: " + err.Error()
	}
	raws := make([]string, 0, len(builds))
	for _, b := range builds {
		raws = append(raws, b.Version)
	}
	compatible := indexSpec.Filter(spec.Filter(versions.ParseAll(raws)))
	v, ok := versions.Specifier{}.NewestAllowed(compatible)
	if !ok {
		return nil, "no indexed build matches"
	}
	return []Candidate{{
		Package:   rec.RequiredPkg,
		Version:   v.String(),
		Rationale: fmt.Sprintf("newest indexed %s build matching %s", rec.RequiredPkg, displaySpec(rec.RequiredSpecifier)),
		Strategy:  StrategyIndex,
	}}, ""
}

// patternSampling picks a conservative version among those pinned by
// public manifests.
func (r *Resolver) patternSampling(ctx context.Context, rec ConflictRecord) ([]Candidate, string) {
	if r.manifests == nil {
		return nil, "no manifest source configured"
	}
	spec, err := versions.ParseSpecifier(rec.RequiredSpecifier)
	if err != nil {
		return nil, "unparseable specifier"
	}
	texts, err := r.manifests.Manifests(ctx, rec.RequiredPkg)
	if err != nil {
		return nil, "manifests: " + err.Error()
	}
	seen := versions.StableOnly(spec.Filter(registry.PinnedVersions(texts, rec.RequiredPkg)))
	v, ok := versions.NthNewest(seen, r.config.SampleRank)
	if !ok {
		return nil, fmt.Sprintf("no sampled manifest pins %s", rec.RequiredPkg)
	}
	return []Candidate{{
		Package:   rec.RequiredPkg,
		Version:   v.String(),
		Rationale: fmt.Sprintf("rank %d of %d versions pinned in %d public manifests", r.config.SampleRank, len(seen), len(texts)),
		Strategy:  StrategySampling,
	}}, ""
}

// fallback picks the FallbackRank-th newest stable release.
func (r *Resolver) fallback(ctx context.Context, rec ConflictRecord) ([]Candidate, string) {
	all, err := r.reg.Versions(ctx, rec.RequiredPkg)
	if err != nil {
		return nil, "registry: " + err.Error()
	}
	v, ok := versions.NthNewest(versions.StableOnly(all), r.config.FallbackRank)
	if !ok {
		return nil, "no stable releases"
	}
	return []Candidate{{
		Package:   rec.RequiredPkg,
		Version:   v.String(),
		Rationale: fmt.Sprintf("rank %d stable release", r.config.FallbackRank),
		Strategy:  StrategyFallback,
	}}, ""
}

func displaySpec(s string) string {
	if s == "" {
		return "any version"
	}
	return s
}
