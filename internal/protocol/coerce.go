package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// maxCoerceLength is the longest string Coerce will try to convert.
const maxCoerceLength = 20

var (
	decimalPattern    = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	jsonNumberPattern = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)
)

// Preprocessor rewrites a decoded payload value before it is delivered.
type Preprocessor func(v any) any

// Coerce rewrites short strings that hold numbers, "true", "false" or "null"
// into json.Number, bool or nil. Maps and slices are walked recursively and
// modified in place; everything else is returned unchanged.
func Coerce(v any) any {
	switch val := v.(type) {
	case string:
		return coerceString(val)
	case map[string]any:
		for k, item := range val {
			val[k] = Coerce(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = Coerce(item)
		}
		return val
	default:
		return v
	}
}

func coerceString(s string) any {
	n := utf8.RuneCountInString(s)
	if n == 0 || n > maxCoerceLength {
		return s
	}

	if num, ok := parseNumber(s); ok {
		return num
	}

	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

// parseNumber keeps valid JSON literals verbatim so large integers survive
// exactly; other decimal spellings ("007", "+5", "1.") are normalised.
func parseNumber(s string) (json.Number, bool) {
	if !decimalPattern.MatchString(s) {
		return "", false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !isRangeErr(err) {
		return "", false
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", false
	}
	if jsonNumberPattern.MatchString(s) {
		return json.Number(s), true
	}
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), true
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

// Transform decodes raw, applies fn and encodes the result again. Numbers
// are decoded as json.Number so they are written back unchanged.
func Transform(raw json.RawMessage, fn Preprocessor) (json.RawMessage, error) {
	if fn == nil || len(raw) == 0 {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	out, err := json.Marshal(fn(v))
	if err != nil {
		return nil, err
	}
	return out, nil
}
