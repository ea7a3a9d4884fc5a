// Package hydrate implements ContentHydrator (spec.md §4.6): for sparse
// search results it optionally fetches the full page and re-extracts text,
// bounded by a concurrency semaphore and cancellable between fetches.
// Grounded on the teacher's internal/fetch.Client (politeness, retry,
// conditional GET) and internal/extract.FromHTML (readability), with
// internal/robots.Manager consulted before any fetch.
package hydrate

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/extract"
	"github.com/weaver-run/weaver/internal/fetch"
	"github.com/weaver-run/weaver/internal/robots"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Options configures a hydration pass.
type Options struct {
	// Enabled gates the whole pass; when false, Hydrate is a no-op.
	Enabled bool
	// SparseThreshold: excerpts shorter than this (in runes) are candidates
	// for hydration.
	SparseThreshold int
	// Concurrency bounds in-flight fetches. Zero defaults to 5.
	Concurrency int
	// RespectRobots gates the robots.txt check before fetching.
	RespectRobots bool
	// MaxTextRunes caps the hydrated excerpt length written back onto the
	// source, to avoid bloating downstream context.
	MaxTextRunes int
}

func (o Options) concurrency() int {
	if o.Concurrency <= 0 {
		return 5
	}
	return o.Concurrency
}

func (o Options) maxTextRunes() int {
	if o.MaxTextRunes <= 0 {
		return 4000
	}
	return o.MaxTextRunes
}

// Hydrator enriches sparse search results with fuller page content.
type Hydrator struct {
	Fetcher *fetch.Client
	Robots  *robots.Manager
	Extract extract.Extractor
}

// New builds a Hydrator around the given fetch client and robots manager.
// extractor may be nil, in which case extract.HeuristicExtractor is used.
func New(fetcher *fetch.Client, robotsMgr *robots.Manager, extractor extract.Extractor) *Hydrator {
	if extractor == nil {
		extractor = extract.HeuristicExtractor{}
	}
	return &Hydrator{Fetcher: fetcher, Robots: robotsMgr, Extract: extractor}
}

// Hydrate fetches fuller content for sources whose excerpt is below
// opt.SparseThreshold, mutating the excerpts of sources in place. Each
// fetch failure is swallowed and logged; the source's excerpt is left
// unchanged. Cancellable between fetches via tok.
func (h *Hydrator) Hydrate(ctx context.Context, tok *cancelctl.Token, sources []runstate.Source, opt Options) {
	if !opt.Enabled || h.Fetcher == nil {
		return
	}
	sem := make(chan struct{}, opt.concurrency())
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := range sources {
		if len([]rune(sources[i].Excerpt)) >= opt.SparseThreshold {
			continue
		}
		if tok != nil {
			if err := cancelctl.MustCheckpoint(tok, cancelctl.AfterSearch); err != nil {
				log.Warn().Str("source_id", sources[i].SourceID).Msg("hydration stopped: run cancelled")
				break
			}
		}
		idx := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			h.hydrateOne(ctx, &sources[idx], opt, &mu)
		}()
	}
	wg.Wait()
}

func (h *Hydrator) hydrateOne(ctx context.Context, src *runstate.Source, opt Options, mu *sync.Mutex) {
	rawURL := src.URL
	if strings.TrimSpace(rawURL) == "" {
		rawURL = src.RawURL
	}
	if opt.RespectRobots && h.Robots != nil {
		if blocked, err := h.robotsDisallows(ctx, rawURL); err != nil {
			log.Debug().Err(err).Str("url", rawURL).Msg("robots check failed; skipping hydration")
			return
		} else if blocked {
			log.Debug().Str("url", rawURL).Msg("robots disallow; skipping hydration")
			return
		}
	}

	body, contentType, err := h.Fetcher.Get(ctx, rawURL)
	if err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("hydration fetch failed; keeping original excerpt")
		return
	}
	doc, ok := h.extractFor(contentType, body)
	if !ok {
		return
	}
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return
	}
	runes := []rune(text)
	if len(runes) > opt.maxTextRunes() {
		text = string(runes[:opt.maxTextRunes()])
	}

	mu.Lock()
	src.Excerpt = text
	if src.Title == "" && doc.Title != "" {
		src.Title = doc.Title
	}
	src.Hydrated = true
	mu.Unlock()
}

// extractFor routes a fetched body to the extractor matching its content
// type: HTML pages go through h.Extract (readability), text/plain and
// text/markdown bodies go through PlainTextExtractor instead of being
// discarded, and anything else (images, PDFs, JSON APIs) is skipped.
func (h *Hydrator) extractFor(contentType string, body []byte) (extract.Document, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return h.Extract.Extract(body), true
	case strings.Contains(ct, "text/plain"), strings.Contains(ct, "text/markdown"):
		return extract.PlainTextExtractor{}.Extract(body), true
	default:
		return extract.Document{}, false
	}
}

func (h *Hydrator) robotsDisallows(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	rules, _, err := h.Robots.Get(ctx, robotsURL)
	if err != nil {
		// Missing/unreachable robots.txt is treated as permissive.
		return false, nil
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return disallowed(rules, path), nil
}

// disallowed applies the most specific matching Disallow rule among groups
// whose agent list matches "*" (weaver does not identify a custom UA in
// robots.txt group names).
func disallowed(rules robots.Rules, path string) bool {
	var bestMatch string
	var bestIsAllow bool
	for _, g := range rules.Groups {
		if !groupAppliesToAll(g) {
			continue
		}
		for _, d := range g.Disallow {
			if d == "" {
				continue
			}
			if strings.HasPrefix(path, d) && len(d) > len(bestMatch) {
				bestMatch, bestIsAllow = d, false
			}
		}
		for _, a := range g.Allow {
			if a == "" {
				continue
			}
			if strings.HasPrefix(path, a) && len(a) > len(bestMatch) {
				bestMatch, bestIsAllow = a, true
			}
		}
	}
	return bestMatch != "" && !bestIsAllow
}

func groupAppliesToAll(g robots.Group) bool {
	if len(g.Agents) == 0 {
		return true
	}
	for _, a := range g.Agents {
		if a == "*" {
			return true
		}
	}
	return false
}
