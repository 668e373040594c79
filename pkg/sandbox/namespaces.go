package sandbox

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
)

const (
	defaultDateTimeFormat = "%Y-%m-%d %H:%M:%S"
	maxPatternLength      = 256
)

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		if uint64(n) > math.MaxInt {
			return 0, fmt.Errorf("integer %d out of range", n)
		}
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("integer %d out of range", n)
		}
		return int(n), nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer, got %v", f)
	}
	// float64(math.MaxInt) rounds up to 2^63, which does not fit.
	if f < math.MinInt || f >= math.MaxInt {
		return 0, fmt.Errorf("integer %v out of range", f)
	}
	return int(f), nil
}

func toString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}

func unary(f func(float64) float64) func(any) (float64, error) {
	return func(x any) (float64, error) {
		v, err := toFloat(x)
		if err != nil {
			return 0, err
		}
		return f(v), nil
	}
}

func binary(f func(float64, float64) float64) func(any, any) (float64, error) {
	return func(x, y any) (float64, error) {
		a, err := toFloat(x)
		if err != nil {
			return 0, err
		}
		b, err := toFloat(y)
		if err != nil {
			return 0, err
		}
		return f(a, b), nil
	}
}

func mathNamespace() map[string]any {
	return map[string]any{
		"pi":    math.Pi,
		"e":     math.E,
		"tau":   2 * math.Pi,
		"inf":   math.Inf(1),
		"sqrt":  unary(math.Sqrt),
		"cbrt":  unary(math.Cbrt),
		"exp":   unary(math.Exp),
		"log":   unary(math.Log),
		"log2":  unary(math.Log2),
		"log10": unary(math.Log10),
		"sin":   unary(math.Sin),
		"cos":   unary(math.Cos),
		"tan":   unary(math.Tan),
		"asin":  unary(math.Asin),
		"acos":  unary(math.Acos),
		"atan":  unary(math.Atan),
		"fabs":  unary(math.Abs),
		"floor": unary(math.Floor),
		"ceil":  unary(math.Ceil),
		"trunc": unary(math.Trunc),
		"pow":   binary(math.Pow),
		"atan2": binary(math.Atan2),
		"hypot": binary(math.Hypot),
		"fmod":  binary(math.Mod),
		"degrees": unary(func(r float64) float64 {
			return r * 180 / math.Pi
		}),
		"radians": unary(func(d float64) float64 {
			return d * math.Pi / 180
		}),
		"factorial": func(x any) (float64, error) {
			n, err := toInt(x)
			if err != nil {
				return 0, err
			}
			if n < 0 || n > 170 {
				return 0, fmt.Errorf("factorial argument out of range: %d", n)
			}
			out := 1.0
			for i := 2; i <= n; i++ {
				out *= float64(i)
			}
			return out, nil
		},
		"gcd": func(x, y any) (int, error) {
			a, err := toInt(x)
			if err != nil {
				return 0, err
			}
			b, err := toInt(y)
			if err != nil {
				return 0, err
			}
			if a < 0 {
				a = -a
			}
			if b < 0 {
				b = -b
			}
			for b != 0 {
				a, b = b, a%b
			}
			return a, nil
		},
	}
}

// patternCache bounds regexp compilation to one per distinct pattern.
type patternCache struct {
	mu    sync.Mutex
	items map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{items: make(map[string]*regexp.Regexp)}
}

func (c *patternCache) get(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("pattern longer than %d bytes", maxPatternLength)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.items[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if len(c.items) >= 128 {
		clear(c.items)
	}
	c.items[pattern] = re
	return re, nil
}

func reNamespace(cache *patternCache) map[string]any {
	compile := func(p any) (*regexp.Regexp, error) {
		pattern, err := toString(p)
		if err != nil {
			return nil, err
		}
		return cache.get(pattern)
	}
	return map[string]any{
		"match": func(p, s any) (bool, error) {
			re, err := compile(p)
			if err != nil {
				return false, err
			}
			str, err := toString(s)
			if err != nil {
				return false, err
			}
			loc := re.FindStringIndex(str)
			return loc != nil && loc[0] == 0, nil
		},
		"search": func(p, s any) (bool, error) {
			re, err := compile(p)
			if err != nil {
				return false, err
			}
			str, err := toString(s)
			if err != nil {
				return false, err
			}
			return re.MatchString(str), nil
		},
		"findall": func(p, s any) ([]string, error) {
			re, err := compile(p)
			if err != nil {
				return nil, err
			}
			str, err := toString(s)
			if err != nil {
				return nil, err
			}
			return re.FindAllString(str, 1000), nil
		},
		"sub": func(p, repl, s any) (string, error) {
			re, err := compile(p)
			if err != nil {
				return "", err
			}
			r, err := toString(repl)
			if err != nil {
				return "", err
			}
			str, err := toString(s)
			if err != nil {
				return "", err
			}
			return re.ReplaceAllString(str, r), nil
		},
		"split": func(p, s any) ([]string, error) {
			re, err := compile(p)
			if err != nil {
				return nil, err
			}
			str, err := toString(s)
			if err != nil {
				return nil, err
			}
			return re.Split(str, 1000), nil
		},
	}
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) float() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

func (r *lockedRand) intN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.IntN(n)
}

func randomNamespace(r *lockedRand) map[string]any {
	return map[string]any{
		"random": r.float,
		"uniform": func(x, y any) (float64, error) {
			a, err := toFloat(x)
			if err != nil {
				return 0, err
			}
			b, err := toFloat(y)
			if err != nil {
				return 0, err
			}
			return a + (b-a)*r.float(), nil
		},
		// randint is inclusive on both ends.
		"randint": func(x, y any) (int, error) {
			a, err := toInt(x)
			if err != nil {
				return 0, err
			}
			b, err := toInt(y)
			if err != nil {
				return 0, err
			}
			if b < a {
				return 0, fmt.Errorf("empty range for randint(%d, %d)", a, b)
			}
			span := uint64(b) - uint64(a)
			if span >= math.MaxInt {
				return 0, fmt.Errorf("range too large for randint(%d, %d)", a, b)
			}
			return a + r.intN(int(span)+1), nil
		},
		"choice": func(items []any) (any, error) {
			if len(items) == 0 {
				return nil, fmt.Errorf("cannot choose from an empty sequence")
			}
			return items[r.intN(len(items))], nil
		},
	}
}

func formatArg(args []any) (string, error) {
	if len(args) == 0 {
		return defaultDateTimeFormat, nil
	}
	return toString(args[0])
}

func timeNamespace(now func() time.Time) map[string]any {
	return map[string]any{
		"time": func() float64 {
			return float64(now().UnixNano()) / 1e9
		},
		// strftime(format) or strftime(format, unixSeconds)
		"strftime": func(args ...any) (string, error) {
			if len(args) == 0 || len(args) > 2 {
				return "", fmt.Errorf("strftime takes 1 or 2 arguments")
			}
			layout, err := toString(args[0])
			if err != nil {
				return "", err
			}
			t := now()
			if len(args) == 2 {
				ts, err := toFloat(args[1])
				if err != nil {
					return "", err
				}
				sec, frac := math.Modf(ts)
				t = time.Unix(int64(sec), int64(frac*1e9)).In(t.Location())
			}
			return strftime.Format(layout, t), nil
		},
	}
}

func datetimeNamespace(now func() time.Time) map[string]any {
	return map[string]any{
		"now": func(args ...any) (string, error) {
			layout, err := formatArg(args)
			if err != nil {
				return "", err
			}
			return strftime.Format(layout, now()), nil
		},
		"today": func() string {
			return strftime.Format("%Y-%m-%d", now())
		},
		// weekday counts from Monday = 0.
		"weekday": func() int {
			return (int(now().Weekday()) + 6) % 7
		},
		"year":  func() int { return now().Year() },
		"month": func() int { return int(now().Month()) },
		"day":   func() int { return now().Day() },
		"hour":  func() int { return now().Hour() },
		"days_until": func(month, day any) (int, error) {
			m, err := toInt(month)
			if err != nil {
				return 0, err
			}
			d, err := toInt(day)
			if err != nil {
				return 0, err
			}
			t := now()
			today := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
			target := time.Date(t.Year(), time.Month(m), d, 0, 0, 0, 0, t.Location())
			if target.Before(today) {
				target = target.AddDate(1, 0, 0)
			}
			return int(math.Round(target.Sub(today).Hours() / 24)), nil
		},
	}
}
