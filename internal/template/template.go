// Package template implements the report section profiles SPEC_FULL.md's
// Supplemented Features describe: IMRaD, decision, and literature-review
// outlines that internal/writer selects between via the -report-profile
// flag or a brief's Type: hint. Grounded on the teacher's
// internal/template/template.go profile table, carried over almost
// unchanged since the profile data itself is domain content rather than
// orchestration logic, and extended with counter-evidence framing so the
// writer actually draws on the planner's guaranteed contrarian sub-queries
// (runstate.DimensionCounterEvidence) instead of letting them sit unused.
package template

import "strings"

// Type represents the supported report types.
type Type string

const (
	// IMRaD follows Introduction, Methods, Results, and Discussion structure.
	IMRaD Type = "imrad"
	// Decision follows a technical decision report structure.
	Decision Type = "decision"
	// Literature follows literature review structure.
	Literature Type = "literature"
	// Default represents the standard general report structure.
	Default Type = ""
)

// Profile defines the structure and requirements for a specific report type.
type Profile struct {
	Type           Type
	Name           string
	Description    string
	Outline        []string
	SystemPrompt   string
	UserPromptHint string
}

// GetProfile returns the profile for reportType, tolerating the aliases and
// substring guesses a brief's free-text Type: line or a -report-profile
// flag value might carry.
func GetProfile(reportType string) Profile {
	switch Type(normalizeType(reportType)) {
	case IMRaD:
		return imradProfile()
	case Decision:
		return decisionProfile()
	case Literature:
		return literatureProfile()
	default:
		return defaultProfile()
	}
}

// WithCounterEvidenceFraming appends an instruction telling the writer to
// give explicit weight to the contrary findings, limitations, and
// alternatives the planner's counter-evidence sub-queries (spec.md §4.8's
// consistency metric) are meant to surface, rather than letting them sit
// unused in the source list behind a tidier narrative.
func (p Profile) WithCounterEvidenceFraming() Profile {
	p.SystemPrompt += " Give explicit weight to the contrary findings, limitations, and alternatives surfaced by counter-evidence sub-queries; do not omit them for a tidier narrative."
	return p
}

// normalizeType converts free-text input to a canonical Type value.
func normalizeType(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "imrad", "i.m.r.a.d", "i m r a d", "introduction, methods, results, discussion":
		return string(IMRaD)
	case "decision", "decision report", "tech", "technical", "technical report",
		"technical decision", "decision/tech", "decision tech":
		return string(Decision)
	case "literature", "literature review", "lit review", "systematic review", "review":
		return string(Literature)
	default:
		switch {
		case strings.Contains(v, "imrad"):
			return string(IMRaD)
		case strings.Contains(v, "decision"), strings.Contains(v, "technical"), strings.Contains(v, "tech"):
			return string(Decision)
		case strings.Contains(v, "review"), strings.Contains(v, "literature"):
			return string(Literature)
		default:
			return string(Default)
		}
	}
}

// imradProfile returns the Introduction, Methods, Results, and Discussion profile.
func imradProfile() Profile {
	return Profile{
		Type:        IMRaD,
		Name:        "IMRaD Report",
		Description: "Introduction, Methods, Results, and Discussion scientific report structure",
		Outline: []string{
			"Executive summary",
			"Introduction",
			"Methods",
			"Results",
			"Discussion",
			"Alternatives & conflicting evidence",
			"Risks and limitations",
			"References",
		},
		SystemPrompt:   "You are a scientific technical writer. Use ONLY the provided sources for facts. Cite precisely with bracketed numeric indices like [1] that map to the numbered references list. Do not invent sources or content. Follow IMRaD structure: Introduction establishes context and objectives, Methods describes approach and methodology, Results presents findings objectively, Discussion interprets implications and significance. Keep style precise, objective, and scholarly.",
		UserPromptHint: "Follow IMRaD structure: Introduction (context/objectives), Methods (approach), Results (findings), Discussion (interpretation/implications).",
	}
}

// decisionProfile returns the technical decision report profile.
func decisionProfile() Profile {
	return Profile{
		Type:        Decision,
		Name:        "Technical Decision Report",
		Description: "Technical decision documentation with problem, options, criteria, and recommendation",
		Outline: []string{
			"Executive summary",
			"Problem statement",
			"Decision criteria",
			"Options evaluated",
			"Recommendation",
			"Implementation considerations",
			"Alternatives & conflicting evidence",
			"Risks and limitations",
			"References",
		},
		SystemPrompt:   "You are a technical decision writer. Use ONLY the provided sources for facts. Cite precisely with bracketed numeric indices like [1] that map to the numbered references list. Do not invent sources or content. Structure as a decision document: clearly state the problem, establish evaluation criteria, analyze options objectively, make a clear recommendation with rationale, and address implementation concerns. Keep style concise, actionable, and decision-focused.",
		UserPromptHint: "Structure as decision document: Problem statement, Decision criteria, Options evaluated with pros/cons, Clear recommendation with rationale, Implementation considerations.",
	}
}

// literatureProfile returns the literature review profile.
func literatureProfile() Profile {
	return Profile{
		Type:        Literature,
		Name:        "Literature Review",
		Description: "Systematic review and synthesis of existing literature on a topic",
		Outline: []string{
			"Executive summary",
			"Background and scope",
			"Review methodology",
			"Thematic analysis",
			"Key findings synthesis",
			"Research gaps identified",
			"Alternatives & conflicting evidence",
			"Risks and limitations",
			"References",
		},
		SystemPrompt:   "You are an academic literature reviewer. Use ONLY the provided sources for facts. Cite precisely with bracketed numeric indices like [1] that map to the numbered references list. Do not invent sources or content. Structure as a literature review: establish scope and methodology, synthesize findings thematically, identify patterns and gaps in the literature, analyze conflicting viewpoints objectively. Keep style scholarly, analytical, and synthesis-focused.",
		UserPromptHint: "Structure as literature review: Background/scope, Review methodology, Thematic synthesis of findings, Identification of research gaps and patterns.",
	}
}

// defaultProfile returns the standard general report profile.
func defaultProfile() Profile {
	return Profile{
		Type:        Default,
		Name:        "General Report",
		Description: "Standard general-purpose report structure",
		Outline: []string{
			"Executive summary",
			"Background",
			"Core concepts",
			"Implementation guidance",
			"Examples",
			"Alternatives & conflicting evidence",
			"Risks and limitations",
			"References",
		},
		SystemPrompt:   "You are a careful technical writer. Use ONLY the provided sources for facts. Cite precisely with bracketed numeric indices like [1] that map to the numbered references list. Do not invent sources or content. Keep style concise and factual.",
		UserPromptHint: "",
	}
}
