// Package classifier assigns taxonomy fields to legislation records
// using versioned pattern rulesets. Classification is deterministic: the
// same ruleset version and input always produce the same result.
package classifier

import "strings"

// Input is the record text and effect counts a classification runs on.
type Input struct {
	Title       string
	Description string
	SICode      string
	Subjects    []string

	// Outbound effect counts, used to derive the function.
	AmendCount  int
	RevokeCount int
}

// Result is one classification verdict.
type Result struct {
	Family      string
	Purpose     []string
	Role        []string
	DutyHolder  []string
	PowerHolder []string
	Tags        []string
	Function    string
	Confidence  float64
}

// Function values, by outbound-effect precedence.
const (
	FunctionRevoking = "Revoking"
	FunctionAmending = "Amending"
	FunctionMaking   = "Making"
)

// Classifier assigns taxonomy fields to a record.
type Classifier interface {
	Classify(in Input) *Result
	Version() string
}

// Engine classifies against one compiled ruleset.
type Engine struct {
	rs *Ruleset
}

// NewEngine wraps a compiled ruleset.
func NewEngine(rs *Ruleset) *Engine {
	return &Engine{rs: rs}
}

// Version reports the ruleset version this engine classifies with.
func (e *Engine) Version() string {
	return e.rs.Version
}

// Classify matches the input against the ruleset. Family confidence is
// 0.9 for an SI code match, 0.7 for a text match, 0 when unclassified.
func (e *Engine) Classify(in Input) *Result {
	parts := append([]string{in.Title, in.Description}, in.Subjects...)
	text := strings.ToLower(strings.Join(parts, " "))

	res := &Result{}

	for i := range e.rs.Families {
		if e.rs.Families[i].matchSICode(in.SICode) && in.SICode != "" {
			res.Family = e.rs.Families[i].Name
			res.Confidence = 0.9
			break
		}
	}
	if res.Family == "" {
		for i := range e.rs.Families {
			if e.rs.Families[i].matchText(text) {
				res.Family = e.rs.Families[i].Name
				res.Confidence = 0.7
				break
			}
		}
	}

	res.Purpose = matchAll(e.rs.Purposes, text)
	res.DutyHolder = matchAll(e.rs.DutyActors, text)
	res.PowerHolder = matchAll(e.rs.PowerActors, text)
	res.Role = mergeActors(res.DutyHolder, res.PowerHolder)
	res.Tags = matchAll(e.rs.Tags, text)

	switch {
	case in.RevokeCount > 0:
		res.Function = FunctionRevoking
	case in.AmendCount > 0:
		res.Function = FunctionAmending
	default:
		res.Function = FunctionMaking
	}

	return res
}

func matchAll(rules []MatchRule, text string) []string {
	var names []string
	for i := range rules {
		if rules[i].matchText(text) {
			names = append(names, rules[i].Name)
		}
	}
	return names
}

// mergeActors unions duty and power actors preserving order, duty first.
func mergeActors(duty, power []string) []string {
	seen := map[string]bool{}
	var merged []string
	for _, name := range append(append([]string{}, duty...), power...) {
		if !seen[name] {
			seen[name] = true
			merged = append(merged, name)
		}
	}
	return merged
}
