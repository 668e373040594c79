package sandbox

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// [[fill]align][sign][0][width][,][.precision][type]
var specPattern = regexp.MustCompile(`^(?:(.)?([<>^]))?([+ -]?)(0?)(\d*)(,?)(?:\.(\d+))?([dfeEgGsxXob%]?)$`)

const maxSpecWidth = 200

// FormatValue renders an expression result for inclusion in text. Integral
// floats print without a fractional part.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case time.Time:
		return x.Format(time.DateTime)
	case time.Duration:
		return x.String()
	case []any:
		items := make([]string, len(x))
		for i, it := range x {
			items[i] = quoteItem(it)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case []string:
		items := make([]string, len(x))
		for i, it := range x {
			items[i] = strconv.Quote(it)
		}
		return "[" + strings.Join(items, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, len(keys))
		for i, k := range keys {
			items[i] = strconv.Quote(k) + ": " + quoteItem(x[k])
		}
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}

func quoteItem(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return FormatValue(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if f == math.Trunc(f) && abs < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	if abs >= 1e21 || (abs != 0 && abs < 1e-6) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// applySpec formats v according to a format spec such as ".2f", ">8" or
// ",d". An empty spec is FormatValue.
func applySpec(spec string, v any) (string, error) {
	if spec == "" {
		return FormatValue(v), nil
	}
	m := specPattern.FindStringSubmatch(spec)
	if m == nil {
		return "", fmt.Errorf("invalid format spec %q", spec)
	}
	fill, align, sign, zero, widthStr, comma, precStr, typ := m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8]

	width := 0
	if widthStr != "" {
		width, _ = strconv.Atoi(widthStr)
		if width > maxSpecWidth {
			return "", fmt.Errorf("format width %d exceeds %d", width, maxSpecWidth)
		}
	}
	prec := -1
	if precStr != "" {
		prec, _ = strconv.Atoi(precStr)
		if prec > 50 {
			return "", fmt.Errorf("format precision %d exceeds 50", prec)
		}
	}

	if typ == "" && prec >= 0 && isNumber(v) {
		typ = "g"
	}

	var body string
	numeric := false
	switch typ {
	case "", "s":
		body = FormatValue(v)
		if typ == "" && isNumber(v) {
			numeric = true
		} else if prec >= 0 && utf8.RuneCountInString(body) > prec {
			body = string([]rune(body)[:prec])
		}
	case "d", "x", "X", "o", "b":
		numeric = true
		n, err := toInt(v)
		if err != nil {
			return "", err
		}
		base := map[string]int{"d": 10, "x": 16, "X": 16, "o": 8, "b": 2}[typ]
		body = strconv.FormatInt(int64(n), base)
		if typ == "X" {
			body = strings.ToUpper(body)
		}
	case "f", "e", "E", "g", "G":
		numeric = true
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if prec < 0 && typ != "g" && typ != "G" {
			prec = 6
		}
		body = strconv.FormatFloat(f, typ[0], prec, 64)
	case "%":
		numeric = true
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if prec < 0 {
			prec = 6
		}
		body = strconv.FormatFloat(f*100, 'f', prec, 64) + "%"
	}

	if numeric {
		neg := strings.HasPrefix(body, "-")
		digits := strings.TrimPrefix(body, "-")
		if comma != "" {
			digits = groupThousands(digits)
		}
		prefix := ""
		switch {
		case neg:
			prefix = "-"
		case sign == "+":
			prefix = "+"
		case sign == " ":
			prefix = " "
		}
		if zero != "" && align == "" {
			for utf8.RuneCountInString(prefix+digits) < width {
				digits = "0" + digits
			}
		}
		body = prefix + digits
	}

	if fill == "" {
		fill = " "
	}
	if align == "" {
		align = "<"
		if numeric {
			align = ">"
		}
	}
	return pad(body, fill, align, width), nil
}

func isNumber(v any) bool {
	if _, ok := v.(bool); ok {
		return false
	}
	_, err := toFloat(v)
	return err == nil
}

func groupThousands(digits string) string {
	intPart, frac := digits, ""
	if i := strings.IndexAny(digits, ".eE%"); i >= 0 {
		intPart, frac = digits[:i], digits[i:]
	}
	if len(intPart) <= 3 {
		return digits
	}
	var sb strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		sb.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(intPart[i : i+3])
	}
	return sb.String() + frac
}

func pad(s, fill, align string, width int) string {
	n := width - utf8.RuneCountInString(s)
	if n <= 0 {
		return s
	}
	switch align {
	case ">":
		return strings.Repeat(fill, n) + s
	case "^":
		left := n / 2
		return strings.Repeat(fill, left) + s + strings.Repeat(fill, n-left)
	default:
		return s + strings.Repeat(fill, n)
	}
}
