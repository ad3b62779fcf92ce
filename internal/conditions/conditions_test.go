package conditions

import (
	"errors"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var user = map[string]any{
	"plan":     "pro",
	"seats":    12,
	"verified": true,
	"trial":    false,
	"roles":    []any{"editor", "billing"},
	"org": map[string]any{
		"region":   "eu",
		"features": []string{"exports", "sso"},
	},
	"created": "2024-03-01",
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"plan:pro", true},
		{"plan:free", false},
		{`plan:"pro"`, true},
		{"verified", true},
		{"trial", false},
		{"missing", false},
		{"roles:editor", true},
		{"roles:admin", false},
		{"org.region:eu", true},
		{"org.features:sso", true},
		{"org.features:saml", false},
		{"org.nothing", false},
		{"seats > 10", true},
		{"seats >= 12", true},
		{"seats < 12", false},
		{"seats <= 12 && seats != 0", true},
		{"seats == 12", true},
		{"seats:12", true},
		{"plan == pro", true},
		{"plan != pro", false},
		{"missing != x", true},
		{"missing == x", false},
		{`created >= "2024-01-01"`, true},
		{"plan:pro and verified", true},
		{"plan:free or roles:billing", true},
		{"not trial", true},
		{"!verified", false},
		{"NOT plan:free AND (roles:admin OR seats > 5)", true},
		{"(plan:free or plan:team) and verified", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			res := Evaluate(tt.expr, user)
			assert.Equal(t, tt.want, res.Allowed)
			if !tt.want {
				assert.Equal(t, ReasonNotMet, res.Reason)
				assert.NotEmpty(t, res.Missing)
			}
		})
	}
}

func TestEvaluate_Missing(t *testing.T) {
	t.Parallel()
	res := Evaluate("plan:enterprise and verified and roles:admin", user)
	require.False(t, res.Allowed)
	assert.Equal(t, []string{"plan:enterprise", "roles:admin"}, res.Missing)
	assert.Equal(t, "requires plan:enterprise, roles:admin", res.Message)

	res = Evaluate("not verified", user)
	assert.Equal(t, []string{"not verified"}, res.Missing)

	res = Evaluate("plan:free or plan:team", user)
	assert.Equal(t, []string{"plan:free", "plan:team"}, res.Missing)

	assert.Empty(t, Evaluate("plan:free or plan:pro", user).Missing)
}

func TestEvaluate_NilContext(t *testing.T) {
	t.Parallel()
	assert.False(t, Evaluate("plan:pro", nil).Allowed)
	assert.True(t, Evaluate("not plan:pro", nil).Allowed)
	assert.True(t, Evaluate("", nil).Allowed)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		pos  int
	}{
		{"plan:", 5},
		{"(plan:pro", 0},
		{"plan:pro)", 8},
		{"plan = pro", 5},
		{"and plan", 0},
		{`plan:"pro`, 5},
		{"plan:pro #", 9},
		{"9lives", 0},
		{"seats >", 7},
		{"plan:pro and", 12},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, tt.pos, perr.Pos)

			res := Evaluate(tt.expr, user)
			assert.False(t, res.Allowed)
			assert.Equal(t, ReasonInvalid, res.Reason)
			assert.Contains(t, res.Message, "position")
		})
	}
}

func TestString_Normalizes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `plan:pro and (roles:admin or seats >= 5) and not trial`,
		MustParse("plan:pro && (roles:admin || seats>=5) && !trial").String())
	assert.Equal(t, `name:"a b"`, MustParse(`name:"a b"`).String())
	assert.Equal(t, "", MustParse("").String())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate("plan:pro"))
	assert.Error(t, Validate("plan:"))
	assert.Panics(t, func() { MustParse("((") })
}

func FuzzParse(f *testing.F) {
	for _, seed := range []string{"plan:pro", "a and (b or not c)", `x >= "1"`, "!!a", "a:b:c"} {
		f.Add([]byte(seed))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		expr, err := consumer.GetString()
		if err != nil {
			return
		}
		plan, _ := consumer.GetString()
		seats, _ := consumer.GetInt()
		verified, _ := consumer.GetBool()
		ctx := map[string]any{"plan": plan, "seats": seats, "verified": verified}

		e, err := Parse(expr)
		if err != nil {
			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.GreaterOrEqual(t, perr.Pos, 0)
			assert.LessOrEqual(t, perr.Pos, len(expr))
			return
		}
		// The normalized form parses to the same normalized form.
		again, err := Parse(e.String())
		require.NoError(t, err)
		assert.Equal(t, e.String(), again.String())
		assert.NotPanics(t, func() { e.Eval(ctx) })
	})
}
