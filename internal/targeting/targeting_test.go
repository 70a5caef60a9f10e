package targeting

import (
	"testing"

	"github.com/popgate/popgate/internal/visitor"
)

func visit(mut ...func(*visitor.Context)) *visitor.Context {
	vc := &visitor.Context{
		VisitorID: "v_1",
		SessionID: "s_1",
		Device:    visitor.DeviceDesktop,
		PageURL:   "https://shop.example/collections/sale",
		PageTags:  []string{"sale"},
		Attrs:     map[string]any{},
	}
	for _, m := range mut {
		m(vc)
	}
	return vc
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name  string
		rules Rules
	}{
		{"bad url glob", Rules{IncludeURLs: []string{"/products/[bad"}}},
		{"unknown device", Rules{Devices: []visitor.Device{"smartwatch"}}},
		{"unknown audience", Rules{Audience: Audience{Visitor: "loyal"}}},
		{"bad condition", Rules{Audience: Audience{Conditions: []string{"attrs.plan =="}}}},
		{"bad regex pattern", Rules{Audience: Audience{Conditions: []string{`visitor.referrer matches "(unclosed"`}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Compile(tc.rules); err == nil {
				t.Fatal("expected compile error")
			}
		})
	}
}

func TestMatchesURL(t *testing.T) {
	cases := []struct {
		name    string
		include []string
		exclude []string
		url     string
		want    bool
	}{
		{"no rules matches all", nil, nil, "https://shop.example/anything", true},
		{"include exact", []string{"/collections/sale"}, nil, "https://shop.example/collections/sale", true},
		{"include glob prefix", []string{"/collections/*"}, nil, "https://shop.example/collections/sale/shoes", true},
		{"include glob bare prefix", []string{"/collections/*"}, nil, "https://shop.example/collections", true},
		{"include miss", []string{"/products/*"}, nil, "https://shop.example/collections/sale", false},
		{"exclude wins over include", []string{"/collections/*"}, []string{"/collections/clearance"}, "https://shop.example/collections/clearance", false},
		{"query ignored", []string{"/collections/sale"}, nil, "https://shop.example/collections/sale?utm=x", true},
		{"bare host is root", []string{"/"}, nil, "https://shop.example", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs, err := Compile(Rules{IncludeURLs: tc.include, ExcludeURLs: tc.exclude})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			vc := visit(func(v *visitor.Context) { v.PageURL = tc.url })
			if got := rs.Matches(vc); got != tc.want {
				t.Errorf("Matches(%q) = %v, want %v", tc.url, got, tc.want)
			}
		})
	}
}

func TestMatchesDeviceAndTags(t *testing.T) {
	rs, err := Compile(Rules{
		Devices: []visitor.Device{visitor.DeviceDesktop},
		Tags:    []string{"sale", "featured"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !rs.Matches(visit()) {
		t.Error("desktop visitor on tagged page should match")
	}
	if rs.Matches(visit(func(v *visitor.Context) { v.Device = visitor.DeviceMobile })) {
		t.Error("mobile visitor should not match desktop-only rules")
	}
	if rs.Matches(visit(func(v *visitor.Context) { v.PageTags = []string{"new"} })) {
		t.Error("page without any required tag should not match")
	}
	if !rs.Matches(visit(func(v *visitor.Context) { v.PageTags = []string{"other", "featured"} })) {
		t.Error("one matching tag out of several required should match")
	}

	if !rs.AllowsDevice(visitor.DeviceDesktop) {
		t.Error("AllowsDevice(desktop) = false")
	}
	if rs.AllowsDevice(visitor.DeviceTablet) {
		t.Error("AllowsDevice(tablet) = true for desktop-only rules")
	}
}

func TestMatchesAudience(t *testing.T) {
	newOnly, err := Compile(Rules{Audience: Audience{Visitor: AudienceNew}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	returningOnly, err := Compile(Rules{Audience: Audience{Visitor: AudienceReturning}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	fresh := visit()
	back := visit(func(v *visitor.Context) { v.IsReturning = true })

	if !newOnly.Matches(fresh) || newOnly.Matches(back) {
		t.Error("new-visitor audience mismatch")
	}
	if returningOnly.Matches(fresh) || !returningOnly.Matches(back) {
		t.Error("returning-visitor audience mismatch")
	}
}

func TestMatchesConditions(t *testing.T) {
	vip := visit(func(v *visitor.Context) {
		v.Attrs["plan"] = "vip"
		v.CartValue = 80
	})
	free := visit(func(v *visitor.Context) { v.Attrs["plan"] = "free" })

	all, err := Compile(Rules{Audience: Audience{
		Combine:    CombineAll,
		Conditions: []string{`attrs.plan == "vip"`, `visitor.cart_value > 50`},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !all.Matches(vip) {
		t.Error("all conditions satisfied, expected match")
	}
	if all.Matches(free) {
		t.Error("failed condition under and, expected no match")
	}

	any, err := Compile(Rules{Audience: Audience{
		Combine:    CombineAny,
		Conditions: []string{`attrs.plan == "vip"`, `attrs.plan == "free"`},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !any.Matches(free) {
		t.Error("one condition satisfied under or, expected match")
	}
	if any.Matches(visit()) {
		t.Error("no condition satisfied under or, expected no match")
	}

	// A missing attribute makes its condition false, never an error.
	missing, err := Compile(Rules{Audience: Audience{
		Conditions: []string{`attrs.never_set == "x"`},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if missing.Matches(visit()) {
		t.Error("missing attribute condition should not match")
	}
}
