package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		env      Env
		want     string
	}{
		{"simple", "Hello {{name}}", Env{"name": "World"}, "Hello World"},
		{"every occurrence", "{{x}}+{{x}}={{y}}", Env{"x": "1", "y": "2"}, "1+1=2"},
		{"unknown token stays", "Hi {{who}}", Env{"name": "World"}, "Hi {{who}}"},
		{"dot in name", "v={{a.b}} not {{aXb}}", Env{"a.b": "ok"}, "v=ok not {{aXb}}"},
		{"dollar in name", "{{$price}} and {{price}}", Env{"$price": "9", "price": "8"}, "9 and 8"},
		{"regex metachars", "{{(x|y)*}}", Env{"(x|y)*": "lit"}, "lit"},
		{"value not rescanned", "{{a}}", Env{"a": "{{b}}", "b": "nope"}, "{{b}}"},
		{"dollar in value", "cost {{p}}", Env{"p": "$1 and ${2}"}, "cost $1 and ${2}"},
		{"longer name first", "{{ab}} {{a}}", Env{"a": "1", "ab": "2"}, "2 1"},
		{"empty env", "{{a}}", Env{}, "{{a}}"},
		{"no tokens", "plain text", Env{"a": "1"}, "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.template, tt.env))
		})
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b.c", "$d"}, Tokens("{{a}} {{b.c}} {{a}} {{$d}} {{}}"))
	assert.Nil(t, Tokens("none here"))
}

func TestResolver_EnvFor(t *testing.T) {
	t.Parallel()

	def := newDef(
		[]Node{genNode("A", "a"), genNode("B", "b"), genNode("C", "c"), genNode("X", "x")},
		[]Edge{flow("A", "B"), flow("B", "C")},
		Variable{ID: "g", Name: "X", Value: "global wins"},
	)
	states := NewStateStore()
	states.Reset([]string{"A", "B", "C", "X"})
	states.Complete("A", `{"text":"from A"}`, "", "")
	states.Begin("B")
	states.Complete("X", "node X", "", "")

	r := NewResolver(def.Graph(), def.Variables, states)
	env := r.EnvFor("C")

	assert.Equal(t, "from A", env["A"], "completed upstream result goes through ExtractText")
	_, hasB := env["B"]
	assert.False(t, hasB, "processing placeholder is never substituted")
	assert.Equal(t, "global wins", env["X"])

	envA := r.EnvFor("A")
	_, hasDownstream := envA["B"]
	assert.False(t, hasDownstream)
	assert.Equal(t, "from A + {{B}}", r.ResolveFor("C", "{{A}} + {{B}}"))
}

// ---------------------------------------------------------------------------
// Property tests
// ---------------------------------------------------------------------------

func TestProperty_ResolveTreatsNamesLiterally(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z.$*+?()|^\[\]\\]{1,8}`).Draw(t, "name")
		value := rapid.StringMatching(`[a-zA-Z0-9 $]{0,12}`).Draw(t, "value")
		prefix := rapid.StringMatching(`[a-z ]{0,6}`).Draw(t, "prefix")

		template := prefix + "{{" + name + "}}" + prefix + "{{" + name + "}}"
		got := Resolve(template, Env{name: value})
		want := prefix + value + prefix + value
		if got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", template, got, want)
		}
	})
}

func TestProperty_ResolveIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z_.$]{1,6}`), 1, 4, rapid.ID[string]).Draw(t, "names")
		env := Env{}
		var b strings.Builder
		for _, n := range names {
			env[n] = rapid.StringMatching(`[a-zA-Z0-9 ]{0,10}`).Draw(t, "value")
			b.WriteString("say {{" + n + "}} ")
		}
		b.WriteString("{{unbound}}")

		once := Resolve(b.String(), env)
		twice := Resolve(once, env)
		if once != twice {
			t.Fatalf("not idempotent: %q then %q", once, twice)
		}
		if !strings.Contains(once, "{{unbound}}") {
			t.Fatalf("unbound token was dropped: %q", once)
		}
	})
}
