package authn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, pattern string, index int) *rule {
	t.Helper()
	r, err := compileRule(RuleConfig{Pattern: pattern, Drivers: []string{"jwt"}}, index)
	require.NoError(t, err)
	return r
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/admin/users", "/admin/users", true},
		{"/admin/users", "/admin/keys", false},
		{"/admin/users", "/admin/users/42", false},
		{"/admin/*", "/admin/users", true},
		{"/admin/*", "/admin/users/42", false},
		{"/admin/**", "/admin/users", true},
		{"/admin/**", "/admin/users/42/keys", true},
		{"/admin/**", "/auth/token", false},
		{"/users/:id", "/users/42", true},
		{"/users/:id", "/users", false},
		{"/users/:id/keys", "/users/42/keys", true},
	}
	for _, tc := range cases {
		r := compile(t, tc.pattern, 0)
		require.Equal(t, tc.want, r.matches(tc.path), "pattern %s vs path %s", tc.pattern, tc.path)
	}
}

func TestExactBeatsWildcard(t *testing.T) {
	exact := compile(t, "/admin/users", 0)
	wild := compile(t, "/admin/**", 1)

	require.True(t, exact.beats(wild))
	require.False(t, wild.beats(exact))
}

func TestMoreSegmentsWin(t *testing.T) {
	shallow := compile(t, "/admin/**", 0)
	deep := compile(t, "/admin/users/**", 1)

	require.True(t, deep.beats(shallow))

	// Segment count decides before wildcard or param counts, so a deeper
	// templated pattern beats a shorter mostly-literal one.
	templated := compile(t, "/:x/:y/**", 0)
	literal := compile(t, "/a/**", 1)
	require.True(t, templated.beats(literal))
	require.False(t, literal.beats(templated))
}

func TestFewerParamsWin(t *testing.T) {
	// Equal segment counts and wildcards, param count breaks the tie.
	params := compile(t, "/users/:id/keys/:kid", 0)
	fewer := compile(t, "/users/:id/keys/list", 1)
	require.True(t, fewer.beats(params))

	a := compile(t, "/a/:x/:y", 0)
	b := compile(t, "/a/:x/b", 1)
	require.True(t, b.beats(a))
}

func TestDeclarationOrderBreaksTies(t *testing.T) {
	first := compile(t, "/a/:x", 0)
	second := compile(t, "/b/:x", 1)

	require.True(t, first.beats(second))
	require.False(t, second.beats(first))
}

func TestResolverMatchPicksMostSpecific(t *testing.T) {
	resolver, err := NewResolver(
		[]Driver{stubDriver{name: "jwt"}},
		[]RuleConfig{
			{Pattern: "/admin/**", Drivers: []string{"jwt"}},
			{Pattern: "/admin/users", Drivers: []string{"jwt"}, Optional: true},
		},
		nil, nil,
	)
	require.NoError(t, err)

	matched := resolver.Match("/admin/users")
	require.NotNil(t, matched)
	require.True(t, matched.Optional)

	matched = resolver.Match("/admin/keys")
	require.NotNil(t, matched)
	require.False(t, matched.Optional)

	require.Nil(t, resolver.Match("/auth/token"))
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	_, err := compileRule(RuleConfig{Pattern: "admin/users", Drivers: []string{"jwt"}}, 0)
	require.Error(t, err)

	_, err = compileRule(RuleConfig{Pattern: "/admin/**/users", Drivers: []string{"jwt"}}, 0)
	require.Error(t, err)

	_, err = compileRule(RuleConfig{Pattern: "/ok", Drivers: []string{"jwt"}, Strategy: "quorum"}, 0)
	require.Error(t, err)
}
