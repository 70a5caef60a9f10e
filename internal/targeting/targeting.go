// Package targeting implements the pure matcher that decides whether a
// campaign's rules accept a visitor context. Rules are compiled once at
// activation; Matches has no side effects and may be called for all candidate
// campaigns independently and in any order.
package targeting

import (
	"fmt"
	"path"
	"strings"

	"github.com/popgate/popgate/internal/condition"
	"github.com/popgate/popgate/internal/visitor"
)

// AudienceKind restricts by visitor history.
type AudienceKind string

const (
	AudienceAll       AudienceKind = ""
	AudienceNew       AudienceKind = "new"
	AudienceReturning AudienceKind = "returning"
)

// Combine mirrors campaign trigger combination for audience conditions.
type Combine string

const (
	CombineAll Combine = "and"
	CombineAny Combine = "or"
)

// Rules is the raw, uncompiled targeting specification.
type Rules struct {
	IncludeURLs []string // glob patterns, empty = all pages
	ExcludeURLs []string // glob patterns, exclusion wins over inclusion
	Tags        []string // page must carry at least one, empty = no tag constraint
	Devices     []visitor.Device
	Audience    Audience
}

// Audience restricts by visitor history and custom session attributes.
type Audience struct {
	Visitor    AudienceKind
	Combine    Combine  // joins Conditions; defaults to and
	Conditions []string // condition expressions over attrs.* / visitor.*
}

// RuleSet is the compiled form of Rules. Expressions are parsed and patterns
// checked at compile time, so Matches cannot fail.
type RuleSet struct {
	includeURLs []string
	excludeURLs []string
	tags        []string
	devices     map[visitor.Device]struct{}
	audience    AudienceKind
	combine     Combine
	conditions  []condition.Expr
}

// Compile validates and compiles raw rules. Errors here are ConfigErrors:
// they surface at campaign activation, never during evaluation.
func Compile(r Rules) (*RuleSet, error) {
	rs := &RuleSet{
		includeURLs: r.IncludeURLs,
		excludeURLs: r.ExcludeURLs,
		tags:        r.Tags,
		audience:    r.Audience.Visitor,
		combine:     r.Audience.Combine,
	}
	if rs.combine == "" {
		rs.combine = CombineAll
	}
	for _, p := range append(append([]string{}, r.IncludeURLs...), r.ExcludeURLs...) {
		if _, err := path.Match(p, "/"); err != nil {
			return nil, fmt.Errorf("targeting: bad url pattern %q: %w", p, err)
		}
	}
	switch r.Audience.Visitor {
	case AudienceAll, AudienceNew, AudienceReturning:
	default:
		return nil, fmt.Errorf("targeting: unknown audience %q", r.Audience.Visitor)
	}
	if len(r.Devices) > 0 {
		rs.devices = make(map[visitor.Device]struct{}, len(r.Devices))
		for _, d := range r.Devices {
			if !visitor.KnownDevice(d) {
				return nil, fmt.Errorf("targeting: unknown device class %q", d)
			}
			rs.devices[d] = struct{}{}
		}
	}
	for _, raw := range r.Audience.Conditions {
		expr, err := condition.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("targeting: condition %q: %w", raw, err)
		}
		rs.conditions = append(rs.conditions, expr)
	}
	return rs, nil
}

// AllowsDevice reports whether the rule set accepts the device class. The
// trigger detector also consults this to short-circuit detection on excluded
// devices.
func (rs *RuleSet) AllowsDevice(d visitor.Device) bool {
	if len(rs.devices) == 0 {
		return true
	}
	_, ok := rs.devices[d]
	return ok
}

// Matches reports whether the visitor context satisfies every rule group.
// Evaluation errors inside audience conditions count as non-matches; a
// malformed runtime value never breaks the page view.
func (rs *RuleSet) Matches(vc *visitor.Context) bool {
	if !rs.AllowsDevice(vc.Device) {
		return false
	}
	if !rs.matchesURL(vc.PageURL) {
		return false
	}
	if len(rs.tags) > 0 {
		found := false
		for _, tag := range rs.tags {
			if vc.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch rs.audience {
	case AudienceNew:
		if vc.IsReturning {
			return false
		}
	case AudienceReturning:
		if !vc.IsReturning {
			return false
		}
	}
	return rs.matchesConditions(vc)
}

func (rs *RuleSet) matchesURL(raw string) bool {
	p := urlPath(raw)
	for _, pat := range rs.excludeURLs {
		if matchPattern(pat, p) {
			return false
		}
	}
	if len(rs.includeURLs) == 0 {
		return true
	}
	for _, pat := range rs.includeURLs {
		if matchPattern(pat, p) {
			return true
		}
	}
	return false
}

func (rs *RuleSet) matchesConditions(vc *visitor.Context) bool {
	if len(rs.conditions) == 0 {
		return true
	}
	for _, expr := range rs.conditions {
		ok, err := condition.Evaluate(expr, vc)
		if err != nil {
			ok = false
		}
		if rs.combine == CombineAny && ok {
			return true
		}
		if rs.combine != CombineAny && !ok {
			return false
		}
	}
	return rs.combine != CombineAny
}

// urlPath strips scheme, host, query and fragment so patterns match on the
// path alone: "https://shop.example/collections/sale?x=1" → "/collections/sale".
func urlPath(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j:]
		} else {
			s = "/"
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		s = "/"
	}
	return s
}

// matchPattern matches a glob against a URL path. A trailing "/*" also
// matches the bare prefix, so "/collections/*" covers "/collections" and any
// depth below it.
func matchPattern(pat, p string) bool {
	if ok, _ := path.Match(pat, p); ok {
		return true
	}
	if strings.HasSuffix(pat, "/*") {
		prefix := strings.TrimSuffix(pat, "/*")
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
