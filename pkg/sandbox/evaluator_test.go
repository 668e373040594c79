package sandbox

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e := New(Config{Seed: 42, Location: time.UTC})
	fixed := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	return e
}

func TestRender_Arithmetic(t *testing.T) {
	e := newTestEvaluator(t)
	tests := []struct {
		src  string
		want string
	}{
		{"1 + 2 = {1 + 2}", "1 + 2 = 3"},
		{"{2 ** 10}", "1024"},
		{"{7 / 2}", "3.5"},
		{"{math.sqrt(16)}", "4"},
		{"{math.floor(math.pi * 100) / 100}", "3.14"},
		{"{math.factorial(5)}", "120"},
		{"{math.gcd(12, 18)}", "6"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := e.Render(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_EscapedBraces(t *testing.T) {
	e := newTestEvaluator(t)
	got, err := e.Render(context.Background(), "{{literal}} and {1+1}")
	require.NoError(t, err)
	assert.Equal(t, "{literal} and 2", got)
}

func TestRender_FormatSpecs(t *testing.T) {
	e := newTestEvaluator(t)
	tests := []struct {
		src  string
		want string
	}{
		{"{math.pi:.2f}", "3.14"},
		{"{1234567:,d}", "1,234,567"},
		{"{0.256:.1%}", "25.6%"},
		{"{42:>5}", "   42"},
		{"{42:05d}", "00042"},
		{"{255:x}", "ff"},
		{"{'ab':*^6}", "**ab**"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := e.Render(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_TernaryColonIsNotAFormatSpec(t *testing.T) {
	e := newTestEvaluator(t)
	got, err := e.Render(context.Background(), "{1 > 0 ? 'yes' : 'no'}")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)
}

func TestRender_BracesInsideStringsAndMaps(t *testing.T) {
	e := newTestEvaluator(t)
	got, err := e.Render(context.Background(), `{"}" + "{"} { {"k": 1}.k }`)
	require.NoError(t, err)
	assert.Equal(t, "}{ 1", got)
}

func TestRender_DateAndTime(t *testing.T) {
	e := newTestEvaluator(t)

	got, err := e.Render(context.Background(), "{datetime.now()}")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-14 09:30:00", got)

	got, err = e.Render(context.Background(), "{time.strftime('%Y/%m/%d')}")
	require.NoError(t, err)
	assert.Equal(t, "2026/02/14", got)

	got, err = e.Render(context.Background(), "{datetime.weekday()}")
	require.NoError(t, err)
	assert.Equal(t, "5", got)

	got, err = e.Render(context.Background(), "{datetime.days_until(2, 20)}")
	require.NoError(t, err)
	assert.Equal(t, "6", got)
}

func TestRender_RegexNamespace(t *testing.T) {
	e := newTestEvaluator(t)

	got, err := e.Render(context.Background(), "{re.sub('o+', '0', 'foo boo')}")
	require.NoError(t, err)
	assert.Equal(t, "f0 b0", got)

	got, err = e.Render(context.Background(), "{re.match('b', 'abc')} {re.search('b', 'abc')}")
	require.NoError(t, err)
	assert.Equal(t, "false true", got)

	got, err = e.Render(context.Background(), "{len(re.findall('[0-9]', 'a1b22'))}")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestRender_RandomIsBounded(t *testing.T) {
	e := newTestEvaluator(t)
	for i := 0; i < 50; i++ {
		got, err := e.Eval(context.Background(), "random.randint(1, 6)")
		require.NoError(t, err)
		n, ok := got.(int)
		require.True(t, ok, "randint returned %T", got)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 6)
	}

	got, err := e.Render(context.Background(), "{random.choice(['a', 'a'])}")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestRender_RandintRejectsOversizedRanges(t *testing.T) {
	e := newTestEvaluator(t)
	for _, src := range []string{
		"random.randint(0, 9223372036854775807)",
		"random.randint(-9223372036854775807, 9223372036854775807)",
		"random.randint(0, 1e19)",
		"random.randint(-1e19, 0)",
	} {
		_, err := e.Eval(context.Background(), src)
		require.Error(t, err, src)
		assert.NotContains(t, err.Error(), "panic", src)
	}

	got, err := e.Eval(context.Background(), "random.randint(9223372036854775806, 9223372036854775807)")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.(int), math.MaxInt-1)
}

func TestRender_SyntaxErrors(t *testing.T) {
	e := newTestEvaluator(t)
	for _, src := range []string{"{1 + 2", "oops }", "{}", "{  }"} {
		_, err := e.Render(context.Background(), src)
		assert.ErrorIs(t, err, ErrTemplateSyntax, src)
	}
}

func TestRender_UnknownNamesFailToCompile(t *testing.T) {
	e := newTestEvaluator(t)
	for _, src := range []string{"{os.Exit(1)}", "{exec('ls')}", "{repeat('x', 10)}"} {
		_, err := e.Render(context.Background(), src)
		assert.Error(t, err, src)
	}
}

func TestRender_OnlyPureBuiltinsAreReachable(t *testing.T) {
	e := newTestEvaluator(t)
	for _, src := range []string{"{now()}", "{date('2026-01-01')}", "{duration('1h')}", "{upper('x')}", "{toJSON(1)}", "{fromBase64('eA==')}"} {
		_, err := e.Render(context.Background(), src)
		require.Error(t, err, src)
		assert.Contains(t, err.Error(), "compile", src)
	}

	got, err := e.Render(context.Background(), "{max(1, 7)} {len('abc')} {sum([1, 2, 3])} {abs(-4)}")
	require.NoError(t, err)
	assert.Equal(t, "7 3 6 4", got)
}

func TestRender_Limits(t *testing.T) {
	e := New(Config{MaxSourceLength: 20, MaxOutputLength: 10, MaxExpressions: 2})

	_, err := e.Render(context.Background(), strings.Repeat("x", 21))
	assert.True(t, errors.Is(err, ErrSourceTooLong))

	_, err = e.Render(context.Background(), "{1}{2}{3}")
	assert.True(t, errors.Is(err, ErrTooManyFields))

	_, err = e.Render(context.Background(), "{'abcdef' + 'ghijk'}")
	assert.True(t, errors.Is(err, ErrOutputTooLong))
}

func TestRender_NodeLimit(t *testing.T) {
	e := New(Config{MaxNodes: 10})
	_, err := e.Render(context.Background(), "{1+1+1+1+1+1+1+1+1+1+1+1+1+1+1+1}")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "3", FormatValue(3.0))
	assert.Equal(t, "0.1", FormatValue(0.1))
	assert.Equal(t, "inf", FormatValue(posInf()))
	assert.Equal(t, `[1, "a", true]`, FormatValue([]any{1, "a", true}))
	assert.Equal(t, "", FormatValue(nil))
}

func posInf() float64 {
	zero := 0.0
	return 1 / zero
}
