// Package sandbox renders template strings whose {placeholders} are small
// expressions. Expressions are compiled by expr-lang against a fixed
// environment of five namespaces (time, math, re, random, datetime); nothing
// else is reachable, and node, length and time limits bound every render.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

var (
	ErrSourceTooLong  = errors.New("template source too long")
	ErrOutputTooLong  = errors.New("rendered output too long")
	ErrTooManyFields  = errors.New("too many template expressions")
	ErrTimeout        = errors.New("template evaluation timed out")
	ErrTemplateSyntax = errors.New("template syntax error")
)

type Config struct {
	MaxSourceLength int
	MaxOutputLength int
	MaxExpressions  int
	MaxNodes        uint
	Timeout         time.Duration
	Location        *time.Location
	// Seed fixes the random namespace; zero seeds from the runtime.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		MaxSourceLength: 2000,
		MaxOutputLength: 4000,
		MaxExpressions:  32,
		MaxNodes:        500,
		Timeout:         2 * time.Second,
		Location:        time.Local,
	}
}

type Evaluator struct {
	cfg Config
	env map[string]any
	now func() time.Time
}

func New(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.MaxSourceLength <= 0 {
		cfg.MaxSourceLength = def.MaxSourceLength
	}
	if cfg.MaxOutputLength <= 0 {
		cfg.MaxOutputLength = def.MaxOutputLength
	}
	if cfg.MaxExpressions <= 0 {
		cfg.MaxExpressions = def.MaxExpressions
	}
	if cfg.MaxNodes == 0 {
		cfg.MaxNodes = def.MaxNodes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	e := &Evaluator{cfg: cfg}
	e.now = func() time.Time { return time.Now().In(e.cfg.Location) }

	var src rand.Source
	if cfg.Seed != 0 {
		src = rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	rnd := &lockedRand{rnd: rand.New(src)}
	clock := func() time.Time { return e.now() }

	e.env = map[string]any{
		"time":     timeNamespace(clock),
		"math":     mathNamespace(),
		"re":       reNamespace(newPatternCache()),
		"random":   randomNamespace(rnd),
		"datetime": datetimeNamespace(clock),
	}
	return e
}

// Render evaluates every {expr} placeholder in source and returns the
// resulting text. {{ and }} produce literal braces.
func (e *Evaluator) Render(ctx context.Context, source string) (string, error) {
	if len(source) > e.cfg.MaxSourceLength {
		return "", ErrSourceTooLong
	}
	parts, err := parseTemplate(source)
	if err != nil {
		return "", err
	}

	fields := 0
	for _, p := range parts {
		if p.isExpr {
			fields++
		}
	}
	if fields > e.cfg.MaxExpressions {
		return "", ErrTooManyFields
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var sb strings.Builder
	for _, p := range parts {
		if !p.isExpr {
			sb.WriteString(p.text)
		} else {
			v, err := e.eval(ctx, p.text)
			if err != nil {
				return "", err
			}
			s, err := applySpec(p.spec, v)
			if err != nil {
				return "", fmt.Errorf("{%s}: %w", p.text, err)
			}
			sb.WriteString(s)
		}
		if sb.Len() > e.cfg.MaxOutputLength {
			return "", ErrOutputTooLong
		}
	}
	return sb.String(), nil
}

// Eval evaluates a single expression.
func (e *Evaluator) Eval(ctx context.Context, expression string) (any, error) {
	if len(expression) > e.cfg.MaxSourceLength {
		return nil, ErrSourceTooLong
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.eval(ctx, expression)
}

type evalResult struct {
	value any
	err   error
}

// pureBuiltins are the only expr builtins left enabled. Everything else,
// including clock and encoding helpers, stays unreachable.
var pureBuiltins = []string{"len", "abs", "max", "min", "sum", "round", "map", "filter", "reduce"}

func compileOptions(env map[string]any, maxNodes uint) []expr.Option {
	opts := []expr.Option{
		expr.Env(env),
		expr.MaxNodes(maxNodes),
		expr.DisableAllBuiltins(),
	}
	for _, name := range pureBuiltins {
		opts = append(opts, expr.EnableBuiltin(name))
	}
	return opts
}

func (e *Evaluator) eval(ctx context.Context, code string) (any, error) {
	program, err := expr.Compile(code, compileOptions(e.env, e.cfg.MaxNodes)...)
	if err != nil {
		return nil, fmt.Errorf("compile {%s}: %w", code, err)
	}

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(program, e.env)
		done <- evalResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("run {%s}: %w", code, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

type part struct {
	text   string
	spec   string
	isExpr bool
}

func parseTemplate(src string) ([]part, error) {
	var parts []part
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, part{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(src); {
		switch c := src[i]; c {
		case '{':
			if i+1 < len(src) && src[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end, colon := scanExpression(src, i+1)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated '{' at offset %d", ErrTemplateSyntax, i)
			}
			body := src[i+1 : end]
			p := part{text: body, isExpr: true}
			if colon >= 0 && specPattern.MatchString(src[colon+1:end]) {
				p.text = src[i+1 : colon]
				p.spec = src[colon+1 : end]
			}
			p.text = strings.TrimSpace(p.text)
			if p.text == "" {
				return nil, fmt.Errorf("%w: empty expression at offset %d", ErrTemplateSyntax, i)
			}
			flush()
			parts = append(parts, p)
			i = end + 1
		case '}':
			if i+1 < len(src) && src[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, fmt.Errorf("%w: single '}' at offset %d", ErrTemplateSyntax, i)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return parts, nil
}

// scanExpression finds the '}' closing a placeholder that starts at start.
// Brackets nest and quoted strings are skipped. It also reports the last
// top-level ':' usable as a format-spec separator, or -1 when the expression
// contains a top-level '?' (ternaries and nil-coalescing use ':' too).
func scanExpression(src string, start int) (end, colon int) {
	depth := 0
	colon = -1
	question := false
	var quote byte
	for j := start; j < len(src); j++ {
		c := src[j]
		if quote != 0 {
			if c == '\\' && quote != '`' {
				j++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']':
			depth--
		case '}':
			if depth == 0 {
				if question {
					colon = -1
				}
				return j, colon
			}
			depth--
		case '?':
			if depth == 0 {
				question = true
			}
		case ':':
			if depth == 0 {
				colon = j
			}
		}
	}
	return -1, -1
}
