// Package sourceregistry canonicalizes URLs into stable source IDs and
// deduplicates insertions, per spec.md §4.2. Grounded on the teacher's
// internal/aggregate.normalizeURL and internal/select.canonicalizeURL, merged
// into one atomic canonicalize+insert operation.
package sourceregistry

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/weaver-run/weaver/internal/runstate"
)

// trackingParams is the fixed allow-list of query parameters stripped during
// canonicalization (spec.md §4.2).
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id",
	"fbclid", "gclid", "ref", "ref_src",
}

// Registry canonicalizes URLs and tracks which source IDs have already been
// seen, so repeated insertion of the same raw URL is idempotent.
type Registry struct {
	mu   sync.Mutex
	seen map[string]string // source_id -> canonical url, for diagnostics
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{seen: make(map[string]string)}
}

// Canonicalize normalizes a raw URL per spec.md §4.2: lowercase scheme/host,
// strip "www.", drop default ports, drop the fragment, sort query params, and
// strip the tracking allow-list. Returns the canonical URL string.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	if u.Scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else if u.Scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""

	q := u.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := url.Values{}
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			sorted.Add(k, v)
		}
	}
	u.RawQuery = sorted.Encode()
	return u.String(), nil
}

// SourceID computes the stable fingerprint for a canonical URL.
func SourceID(canonicalURL string) string {
	return runstate.CanonicalizeFingerprint(canonicalURL)
}

// Resolve canonicalizes rawURL and returns its source ID, canonical URL, and
// whether this is the first time the registry has seen that ID. Canonicalize
// is a pure function and runs before the lock is taken; the lookup+insert
// sequence is a single atomic operation under the registry's lock.
func (r *Registry) Resolve(rawURL string) (id string, canonical string, first bool, err error) {
	canonical, err = Canonicalize(rawURL)
	if err != nil {
		return "", "", false, err
	}
	id = SourceID(canonical)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return id, canonical, false, nil
	}
	r.seen[id] = canonical
	return id, canonical, true, nil
}

// Idempotent round-trip check, used by tests and callers that want to assert
// the spec.md §8 law canonicalize(canonicalize(u)) == canonicalize(u).
func Idempotent(rawURL string) (bool, error) {
	once, err := Canonicalize(rawURL)
	if err != nil {
		return false, err
	}
	twice, err := Canonicalize(once)
	if err != nil {
		return false, err
	}
	return once == twice, nil
}
