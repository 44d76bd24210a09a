package flows

import (
	"testing"

	"github.com/agentic-mx/agentic/pkg/models"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		name    string
		match   models.MatchType
		keyword string
		content string
		want    bool
	}{
		{"exact hit", models.MatchExact, "hola", "  HOLA ", true},
		{"exact miss on extra words", models.MatchExact, "hola", "hola amigo", false},
		{"starts with", models.MatchStartsWith, "promo", "PROMO de verano", true},
		{"starts with miss", models.MatchStartsWith, "promo", "la promo", false},
		{"contains", models.MatchContains, "precio", "¿cuál es el PRECIO final?", true},
		{"contains miss", models.MatchContains, "precio", "cuánto cuesta", false},
		{"regex", models.MatchRegex, `^(hola|buenas)\b`, "Buenas tardes", true},
		{"regex miss", models.MatchRegex, `^(hola|buenas)\b`, "adiós", false},
		{"invalid regex never matches", models.MatchRegex, `([`, "([", false},
		{"empty keyword never matches", models.MatchContains, "  ", "anything", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := &models.Trigger{Keyword: tc.keyword, MatchType: tc.match}
			if got := Matches(trigger, tc.content); got != tc.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tc.keyword, tc.content, got, tc.want)
			}
		})
	}
}

func TestBestMatchPrefersSpecificity(t *testing.T) {
	triggers := []*models.Trigger{
		{ID: "contains", Keyword: "hola", MatchType: models.MatchContains},
		{ID: "exact", Keyword: "hola", MatchType: models.MatchExact},
		{ID: "prefix", Keyword: "hola", MatchType: models.MatchStartsWith},
	}
	got := BestMatch(triggers, "hola")
	if got == nil || got.ID != "exact" {
		t.Fatalf("BestMatch = %+v, want the EXACT trigger", got)
	}

	got = BestMatch(triggers, "hola amigo")
	if got == nil || got.ID != "prefix" {
		t.Fatalf("BestMatch = %+v, want the STARTS_WITH trigger", got)
	}

	if BestMatch(triggers, "adiós") != nil {
		t.Fatal("BestMatch on unrelated content must be nil")
	}
}

func TestScopesFor(t *testing.T) {
	in := scopesFor(false)
	if len(in) != 2 || in[0] != models.ScopeIncoming || in[1] != models.ScopeBoth {
		t.Fatalf("scopesFor(false) = %v", in)
	}
	out := scopesFor(true)
	if len(out) != 2 || out[0] != models.ScopeOutgoing || out[1] != models.ScopeBoth {
		t.Fatalf("scopesFor(true) = %v", out)
	}
}
