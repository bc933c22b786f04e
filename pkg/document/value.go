package document

import (
	"fmt"
	"time"
)

// normalize converts v to the canonical Go representation of t:
// string, int64, float64, bool or time.Time. Nil is always accepted.
func normalize(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString, TypeText:
		switch tv := v.(type) {
		case string:
			return tv, nil
		case fmt.Stringer:
			return tv.String(), nil
		}
	case TypeInt:
		switch tv := v.(type) {
		case int:
			return int64(tv), nil
		case int8:
			return int64(tv), nil
		case int16:
			return int64(tv), nil
		case int32:
			return int64(tv), nil
		case int64:
			return tv, nil
		case uint:
			return int64(tv), nil
		case uint32:
			return int64(tv), nil
		case float64:
			if tv == float64(int64(tv)) {
				return int64(tv), nil
			}
		}
	case TypeFloat:
		switch tv := v.(type) {
		case float32:
			return float64(tv), nil
		case float64:
			return tv, nil
		case int:
			return float64(tv), nil
		case int64:
			return float64(tv), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC(), nil
		case *time.Time:
			if tv == nil {
				return nil, nil
			}
			return tv.UTC(), nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, t)
}

// inferType picks the value type for dynamic values, defaulting to string.
func inferType(vals []any) ValueType {
	for _, v := range vals {
		switch v.(type) {
		case bool:
			return TypeBool
		case int, int8, int16, int32, int64, uint, uint32:
			return TypeInt
		case float32, float64:
			return TypeFloat
		case time.Time, *time.Time:
			return TypeDate
		case string:
			return TypeString
		}
	}
	return TypeString
}
