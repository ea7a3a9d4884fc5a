// Package orchestrator implements MultiSearchOrchestrator (spec.md §4.5):
// fan-out across providers, profile routing, freshness-aware ranking, and
// canonical-identity merging. Grounded on the teacher's internal/aggregate
// (merge+normalize) and internal/select (diversity-aware selection),
// generalized into parallel/fallback strategies with rank-score fusion.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/reliability"
	"github.com/weaver-run/weaver/internal/runstate"
	"github.com/weaver-run/weaver/internal/search"
	"github.com/weaver-run/weaver/internal/searchcache"
	"github.com/weaver-run/weaver/internal/sourceregistry"
)

// Strategy selects how providers within a profile's subset are called.
type Strategy string

const (
	StrategyParallel Strategy = "parallel"
	StrategyFallback Strategy = "fallback"
)

// Weights configures rank-score fusion (spec.md §4.5 step 3).
type Weights struct {
	Relevance     float64
	Freshness     float64
	ProviderPrior float64
	HalfLifeDays  float64
}

// DefaultWeights mirrors spec.md §9's documented 30-day half-life default.
func DefaultWeights() Weights {
	return Weights{Relevance: 0.6, Freshness: 0.3, ProviderPrior: 0.1, HalfLifeDays: 30}
}

// Options configures one Search call.
type Options struct {
	Profile     string
	Strategy    Strategy
	MaxResults  int
	MinResults  int // for fallback: stop at first provider meeting this
	Deadline    time.Duration
	Weights     Weights
	ProviderSet []string // explicit override of the profile's provider subset
}

// ProviderPriors assigns a static reputation prior per provider name, used in
// rank-score fusion; unknown providers default to 0.5. A source returned by
// several providers takes the highest of their priors.
type ProviderPriors map[string]float64

// Orchestrator fans a query out across providers and merges results into
// deduplicated, ranked Sources.
type Orchestrator struct {
	Providers  map[string]search.Provider
	Profiles   map[string][]string // profile name -> ordered provider name subset
	Priors     ProviderPriors
	Reliable   *reliability.Manager
	Sources    *sourceregistry.Registry
	Cache      *searchcache.Cache
	CacheTTL   time.Duration
}

// New constructs an Orchestrator. providers maps provider name to
// implementation; profiles maps a profile name to an ordered provider-name
// subset. A "general" profile is required and used as the ultimate fallback.
func New(providers map[string]search.Provider, profiles map[string][]string, reliable *reliability.Manager, sources *sourceregistry.Registry, cache *searchcache.Cache) *Orchestrator {
	return &Orchestrator{
		Providers: providers,
		Profiles:  profiles,
		Priors:    ProviderPriors{},
		Reliable:  reliable,
		Sources:   sources,
		Cache:     cache,
		CacheTTL:  10 * time.Minute,
	}
}

func (o *Orchestrator) resolveProfile(profile string) []string {
	if set, ok := o.Profiles[profile]; ok && len(set) > 0 {
		return set
	}
	return o.Profiles["general"]
}

// degradeToDefault picks a provider subset when every provider in the
// requested profile is circuit-open (spec.md §4.5 "Profile is advisory").
func (o *Orchestrator) degradeToDefault(set []string) []string {
	anyClosed := false
	for _, name := range set {
		if o.Reliable == nil || o.Reliable.CircuitState(name) != "open" {
			anyClosed = true
			break
		}
	}
	if anyClosed {
		return set
	}
	log.Warn().Strs("profile_providers", set).Msg("all providers in profile circuit-open, degrading to general")
	return o.Profiles["general"]
}

// Search executes queries across the resolved provider subset, merges and
// ranks results, and returns deduplicated Sources. It checks cancellation
// before dispatch, after each query's provider calls complete, and before
// returning, per spec.md §4.5.
func (o *Orchestrator) Search(ctx context.Context, tok *cancelctl.Token, queries []string, opt Options) ([]runstate.Source, error) {
	if tok != nil {
		if err := cancelctl.MustCheckpoint(tok, cancelctl.AfterSearch); err != nil {
			return nil, err
		}
	}
	if opt.MaxResults <= 0 {
		opt.MaxResults = 10
	}
	if opt.Weights == (Weights{}) {
		opt.Weights = DefaultWeights()
	}
	if opt.Strategy == "" {
		opt.Strategy = StrategyFallback
	}

	providerNames := opt.ProviderSet
	if len(providerNames) == 0 {
		providerNames = o.degradeToDefault(o.resolveProfile(opt.Profile))
	}
	if len(providerNames) == 0 {
		return nil, fmt.Errorf("no_providers: orchestrator has no providers configured for profile %q", opt.Profile)
	}

	var allRaw []search.Result
	for _, q := range queries {
		raw, err := o.searchOneQuery(ctx, providerNames, q, opt)
		if err != nil {
			return nil, err
		}
		allRaw = append(allRaw, raw...)
		if tok != nil {
			if err := cancelctl.MustCheckpoint(tok, cancelctl.AfterSearch); err != nil {
				return nil, err
			}
		}
	}

	merged := o.mergeAndRank(allRaw, opt.Weights)
	if tok != nil {
		if err := cancelctl.MustCheckpoint(tok, cancelctl.AfterSearch); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (o *Orchestrator) searchOneQuery(ctx context.Context, providers []string, query string, opt Options) ([]search.Result, error) {
	switch opt.Strategy {
	case StrategyParallel:
		return o.searchParallel(ctx, providers, query, opt)
	default:
		return o.searchFallback(ctx, providers, query, opt)
	}
}

func (o *Orchestrator) searchParallel(ctx context.Context, providers []string, query string, opt Options) ([]search.Result, error) {
	deadline := opt.Deadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		results []search.Result
		err     error
	}
	out := make(chan outcome, len(providers))
	var wg sync.WaitGroup
	for _, name := range providers {
		p, ok := o.Providers[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, p search.Provider) {
			defer wg.Done()
			res, err := o.callProvider(callCtx, name, p, query, opt.MaxResults)
			out <- outcome{results: res, err: err}
		}(name, p)
	}
	go func() { wg.Wait(); close(out) }()

	var merged []search.Result
	for o2 := range out {
		if o2.err != nil {
			log.Warn().Err(o2.err).Msg("provider failed during parallel fan-out; merging partial results")
			continue
		}
		merged = append(merged, o2.results...)
	}
	// No provider succeeded: still not a hard error — the caller sees an
	// empty result set and can decide how to proceed (spec.md "merge
	// partial results if some fail").
	return merged, nil
}

func (o *Orchestrator) searchFallback(ctx context.Context, providers []string, query string, opt Options) ([]search.Result, error) {
	minResults := opt.MinResults
	if minResults <= 0 {
		minResults = 1
	}
	var lastErr error
	for _, name := range providers {
		p, ok := o.Providers[name]
		if !ok {
			continue
		}
		res, err := o.callProvider(ctx, name, p, query, opt.MaxResults)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("provider", name).Msg("fallback provider failed, trying next")
			continue
		}
		if len(res) >= minResults {
			return res, nil
		}
		lastErr = fmt.Errorf("provider %s returned %d results, below min_results %d", name, len(res), minResults)
	}
	if lastErr != nil {
		log.Warn().Err(lastErr).Msg("all fallback providers exhausted without meeting min_results")
	}
	return nil, nil
}

func (o *Orchestrator) callProvider(ctx context.Context, name string, p search.Provider, query string, maxResults int) ([]search.Result, error) {
	key := searchcache.Key{Provider: name, Query: query, Profile: ""}
	if o.Cache != nil {
		if v, ok := o.Cache.Get(key); ok {
			if cached, ok := v.([]search.Result); ok {
				return cached, nil
			}
		}
	}

	call := func(ctx context.Context) ([]search.Result, error) {
		return p.Search(ctx, query, maxResults)
	}
	var res []search.Result
	var err error
	if o.Reliable != nil {
		res, err = reliability.Call(ctx, o.Reliable, name, call)
	} else {
		res, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Source == "" {
			res[i].Source = name
		}
	}
	if o.Cache != nil {
		o.Cache.Put(key, res, o.CacheTTL)
	}
	return res, nil
}

// mergeAndRank canonicalizes each raw hit, merges duplicates by source ID
// (retaining earliest-seen title, union of provider tags), computes
// rank_score, and sorts deterministically (spec.md §4.5 steps 1-4).
func (o *Orchestrator) mergeAndRank(raw []search.Result, w Weights) []runstate.Source {
	byID := make(map[string]*runstate.Source)
	order := make([]string, 0, len(raw))
	providerTags := make(map[string]map[string]struct{})

	for _, r := range raw {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		id, canonical, first, err := o.Sources.Resolve(r.URL)
		if err != nil {
			continue
		}
		if first {
			src := &runstate.Source{
				SourceID:       id,
				URL:            canonical,
				RawURL:         r.URL,
				Title:          r.Title,
				Excerpt:        r.Snippet,
				Provider:       r.Source,
				RelevanceScore: clamp01(r.Relevance),
			}
			if pub, ok := parseTime(r.PublishedAt); ok {
				src.PublishedAt = &pub
				days := time.Since(pub).Hours() / 24
				src.FreshnessDays = &days
			}
			byID[id] = src
			order = append(order, id)
			providerTags[id] = map[string]struct{}{r.Source: {}}
		} else {
			existing := byID[id]
			if existing == nil {
				// Seen in a prior orchestrator run via SourceRegistry but not
				// in this merge pass; treat as new for this result set.
				src := &runstate.Source{SourceID: id, URL: canonical, RawURL: r.URL, Title: r.Title, Excerpt: r.Snippet, Provider: r.Source, RelevanceScore: clamp01(r.Relevance)}
				if pub, ok := parseTime(r.PublishedAt); ok {
					src.PublishedAt = &pub
					days := time.Since(pub).Hours() / 24
					src.FreshnessDays = &days
				}
				byID[id] = src
				order = append(order, id)
				providerTags[id] = map[string]struct{}{r.Source: {}}
				continue
			}
			providerTags[id][r.Source] = struct{}{}
			if r.Relevance > existing.RelevanceScore {
				existing.RelevanceScore = clamp01(r.Relevance)
			}
		}
	}

	out := make([]runstate.Source, 0, len(order))
	for _, id := range order {
		src := byID[id]
		tags := make([]string, 0, len(providerTags[id]))
		for t := range providerTags[id] {
			tags = append(tags, t)
		}
		sort.Strings(tags)
		src.Provider = strings.Join(tags, "+")

		freshness := 0.5
		if src.FreshnessDays != nil {
			halfLife := w.HalfLifeDays
			if halfLife <= 0 {
				halfLife = 30
			}
			freshness = math.Exp(-(*src.FreshnessDays) / halfLife)
		}
		prior := 0.0
		for i, t := range tags {
			p, ok := o.Priors[t]
			if !ok {
				p = 0.5
			}
			if i == 0 || p > prior {
				prior = p
			}
		}
		out = append(out, *src)
		idx := len(out) - 1
		out[idx].RankScore = w.Relevance*src.RelevanceScore + w.Freshness*freshness + w.ProviderPrior*prior
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RankScore != out[j].RankScore {
			return out[i].RankScore > out[j].RankScore
		}
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v == 0 {
		return 0.5 // unscored hits are treated as moderately relevant
	}
	return v
}

func parseTime(s string) (time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
