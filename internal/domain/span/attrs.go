package span

import "encoding/json"

// StringAttr returns the attribute value for key as a string.
// Non-string values report false.
func StringAttr(attrs map[string]any, key string) (string, bool) {
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FloatAttr returns the attribute value for key as a float64, accepting the
// numeric types JSON decoding and in-process producers typically supply.
func FloatAttr(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// IntSliceAttr returns the attribute value for key as a list of integers.
// It accepts genuine integer slices, the []any/float64 shape produced by
// JSON decoding, and a JSON-encoded string like "[1, 2, 3]". Anything else,
// including a missing key or a malformed string, yields nil. It never fails.
func IntSliceAttr(attrs map[string]any, key string) []int {
	v, ok := attrs[key]
	if !ok {
		return nil
	}

	switch t := v.(type) {
	case []int:
		out := make([]int, len(t))
		copy(out, t)
		return out
	case []int64:
		out := make([]int, len(t))
		for i, n := range t {
			out[i] = int(n)
		}
		return out
	case []float64:
		out := make([]int, len(t))
		for i, f := range t {
			out[i] = int(f)
		}
		return out
	case []any:
		out := make([]int, 0, len(t))
		for _, el := range t {
			switch n := el.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			case json.Number:
				i, err := n.Int64()
				if err != nil {
					return nil
				}
				out = append(out, int(i))
			default:
				return nil
			}
		}
		return out
	case string:
		var out []int
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}
