package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// PredicateOp is a leaf test kind
type PredicateOp string

const (
	PredExists      PredicateOp = "exists"
	PredEquals      PredicateOp = "=="
	PredGreaterThan PredicateOp = ">"
	PredLessThan    PredicateOp = "<"
	PredContains    PredicateOp = "contains"
)

// Predicate is the parsed form of a simple rule's condition
type Predicate struct {
	Op    PredicateOp
	Field string
	Value any
}

// String renders the predicate back into the textual condition grammar
func (p Predicate) String() string {
	if p.Op == PredExists {
		return fmt.Sprintf("exists(%s)", p.Field)
	}
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, literal(p.Value))
}

// FieldExists builds a condition passing when field is neither undefined nor null
func FieldExists(field string) string {
	return Predicate{Op: PredExists, Field: field}.String()
}

// FieldEquals builds a strict equality condition
func FieldEquals(field string, value any) string {
	return Predicate{Op: PredEquals, Field: field, Value: value}.String()
}

// FieldGreaterThan builds a numeric comparison condition
func FieldGreaterThan(field string, threshold float64) string {
	return Predicate{Op: PredGreaterThan, Field: field, Value: threshold}.String()
}

// FieldLessThan builds a numeric comparison condition
func FieldLessThan(field string, threshold float64) string {
	return Predicate{Op: PredLessThan, Field: field, Value: threshold}.String()
}

// FieldContains builds a substring containment condition
func FieldContains(field, substring string) string {
	return Predicate{Op: PredContains, Field: field, Value: substring}.String()
}

func literal(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote(fmt.Sprint(v))
	}
	return string(raw)
}

var errEmptyCondition = errors.New("condition is empty")

// ParsePredicate parses the textual condition grammar:
//
//	exists(field)
//	field == <json literal>
//	field > <number>
//	field < <number>
//	field contains <json string>
//
// A missing field name is not a parse error; the resulting predicate fails at
// evaluation time with a diagnostic reason.
func ParsePredicate(condition string) (Predicate, error) {
	s := strings.TrimSpace(condition)
	if s == "" {
		return Predicate{}, errEmptyCondition
	}

	if strings.HasPrefix(s, "exists(") && strings.HasSuffix(s, ")") {
		field := strings.TrimSpace(s[len("exists(") : len(s)-1])
		return Predicate{Op: PredExists, Field: field}, nil
	}

	for _, op := range []PredicateOp{PredEquals, PredGreaterThan, PredLessThan, PredContains} {
		field, rest, ok := splitOperator(s, op)
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(rest), &value); err != nil {
			return Predicate{}, fmt.Errorf("invalid literal %q in condition %q: %w", rest, condition, err)
		}
		switch op {
		case PredGreaterThan, PredLessThan:
			if _, ok := value.(float64); !ok {
				return Predicate{}, fmt.Errorf("operator %s requires a numeric threshold, got %q", op, rest)
			}
		case PredContains:
			if _, ok := value.(string); !ok {
				return Predicate{}, fmt.Errorf("operator contains requires a string, got %q", rest)
			}
		}
		return Predicate{Op: op, Field: field, Value: value}, nil
	}

	return Predicate{}, fmt.Errorf("unrecognized condition %q", condition)
}

// splitOperator finds the first occurrence of op outside a quoted literal.
// The field is everything before it; it may be empty.
func splitOperator(s string, op PredicateOp) (field, rest string, ok bool) {
	token := string(op)
	if op == PredContains {
		token = " contains "
		if strings.HasPrefix(s, "contains ") {
			return "", strings.TrimSpace(s[len("contains "):]), true
		}
	}
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
			continue
		case '"':
			inQuote = !inQuote
			continue
		}
		if inQuote || !strings.HasPrefix(s[i:], token) {
			continue
		}
		// "=" inside ">=" or "<=" is not the equality operator
		if op == PredGreaterThan || op == PredLessThan {
			if i+1 < len(s) && s[i+1] == '=' {
				return "", "", false
			}
		}
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(token):]), true
	}
	return "", "", false
}

// Resolve looks up a dotted field path in a context map. found is false when
// any segment is missing (undefined); a present nil value is found with v == nil.
func Resolve(root map[string]any, path string) (v any, found bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ToNumber coerces v the way a dynamic language would. NaN is returned when no
// numeric interpretation exists.
func ToNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case bool:
		if n {
			return 1
		}
		return 0
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case time.Time:
		return float64(n.UnixMilli())
	default:
		return math.NaN()
	}
}

// ToString coerces v for substring checks
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	}
	if isNumber(v) {
		return strconv.FormatFloat(ToNumber(v), 'f', -1, 64)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// StrictEqual compares scalars by type and value; numbers compare numerically
// across Go numeric types. Maps and slices are never equal.
func StrictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) && isNumber(b) {
		x, y := ToNumber(a), ToNumber(b)
		return !math.IsNaN(x) && x == y
	}
	ka, kb := reflect.TypeOf(a).Kind(), reflect.TypeOf(b).Kind()
	switch ka {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Func, reflect.Struct, reflect.Pointer:
		if ta, ok := a.(time.Time); ok {
			tb, ok := b.(time.Time)
			return ok && ta.Equal(tb)
		}
		return false
	}
	if ka != kb {
		return false
	}
	return a == b
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}
