package calltrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want Symbol
	}{
		{"Storyarn.Pages.get_page/2", Symbol{Name: "Storyarn.Pages.get_page", Arity: 2}},
		{"  main.run/0 ", Symbol{Name: "main.run", Arity: 0}},
		{"App.Pages.get_page", Symbol{Name: "App.Pages.get_page", Arity: AnyArity}},
		{"api.(*Server).Handle/2", Symbol{Name: "api.Server.Handle", Arity: 2}},
		{"api.(Server).Handle", Symbol{Name: "api.Server.Handle", Arity: AnyArity}},
		{"valid?/1", Symbol{Name: "valid?", Arity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSymbol(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "a/x", "a/-1", "/2", ".a/1", "a./1"} {
		_, err := ParseSymbol(in)
		assert.Error(t, err, in)
	}
}

func TestSymbol_Parts(t *testing.T) {
	s := MustParseSymbol("StoryarnWeb.PageController.show/2")
	assert.Equal(t, "StoryarnWeb.PageController", s.Module())
	assert.Equal(t, "show", s.Short())
	assert.Equal(t, "StoryarnWeb.PageController.show/2", s.String())

	bare := MustParseSymbol("main")
	assert.Equal(t, "", bare.Module())
	assert.Equal(t, "main", bare.Short())
	assert.Equal(t, "main", bare.String())

	assert.Negative(t, MustParseSymbol("a.b/1").Compare(MustParseSymbol("a.b/2")))
	assert.Positive(t, MustParseSymbol("a.c/0").Compare(MustParseSymbol("a.b/9")))
	assert.Panics(t, func() { MustParseSymbol("x/y") })
}

func TestSymbol_YAML(t *testing.T) {
	type doc struct {
		Target Symbol `yaml:"target"`
	}
	out, err := yaml.Marshal(doc{Target: MustParseSymbol("A.b/1")})
	require.NoError(t, err)
	assert.Equal(t, "target: A.b/1\n", string(out))

	var d doc
	require.NoError(t, yaml.Unmarshal(out, &d))
	assert.Equal(t, MustParseSymbol("A.b/1"), d.Target)

	assert.Error(t, yaml.Unmarshal([]byte("target: [a]\n"), &d))
}

func TestLocation(t *testing.T) {
	a := Location{File: "a.ex", Line: 4, Col: 2}
	assert.Equal(t, "a.ex:5", a.String())
	assert.Equal(t, "?", Location{}.String())
	assert.True(t, a.Less(Location{File: "a.ex", Line: 4, Col: 3}))
	assert.True(t, a.Less(Location{File: "b.ex"}))
	assert.False(t, a.Less(a))
}

func TestCategory(t *testing.T) {
	for _, c := range Categories() {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	c, err := ParseCategory(" HTTP ")
	require.NoError(t, err)
	assert.Equal(t, CategoryHTTP, c)

	_, err = ParseCategory("cron")
	assert.ErrorContains(t, err, "want one of http, event, worker, process, internal, other")

	assert.False(t, CategoryInternal.IsEntryPoint())
	assert.True(t, CategoryOther.IsEntryPoint())
	assert.False(t, Category(42).Valid())
	_, err = Category(42).MarshalText()
	assert.Error(t, err)
}

func TestConstructFor(t *testing.T) {
	site := CallSite{Caller: MustParseSymbol("Shop.Cart.add/2"), Location: Location{File: "lib/shop/cart.ex"}}
	con := constructFor(site)
	assert.Equal(t, "elixir", con.Language)
	assert.Equal(t, "Shop.Cart", con.Parent)
	assert.Equal(t, "function", con.Kind)

	site.Declaring = &Construct{Kind: "macro", Language: "elixir"}
	con = constructFor(site)
	assert.Equal(t, "macro", con.Kind)
	assert.Equal(t, site.Caller, con.Symbol)
}
