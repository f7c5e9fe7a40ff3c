package signal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/timzifer/beamio/config"
)

// Coerce converts v to the Go representation used for kind. ValueKindAny
// returns v unchanged.
func Coerce(kind config.ValueKind, v any) (any, error) {
	switch kind {
	case config.ValueKindAny:
		return v, nil
	case config.ValueKindNumber, config.ValueKindFloat:
		return toFloat(v)
	case config.ValueKindInteger:
		return toInt(v)
	case config.ValueKindDecimal:
		return toDecimal(v)
	case config.ValueKindBool:
		return toBool(v)
	case config.ValueKindString:
		switch typed := v.(type) {
		case string:
			return typed, nil
		case []byte:
			return string(typed), nil
		case fmt.Stringer:
			return typed.String(), nil
		case nil:
			return "", nil
		}
		return fmt.Sprint(v), nil
	case config.ValueKindArray:
		return toArray(v)
	}
	return nil, fmt.Errorf("unsupported value kind %q", kind)
}

// Zero returns the initial value for a kind.
func Zero(kind config.ValueKind) any {
	switch kind {
	case config.ValueKindNumber, config.ValueKindFloat:
		return float64(0)
	case config.ValueKindInteger:
		return int64(0)
	case config.ValueKindDecimal:
		return decimal.Zero
	case config.ValueKindBool:
		return false
	case config.ValueKindString:
		return ""
	case config.ValueKindArray:
		return []float64{}
	}
	return nil
}

// Dtype names the descriptor type of a value.
func Dtype(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64, decimal.Decimal:
		return "number"
	}
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
		return "array"
	}
	return "number"
}

// DescribeValue derives a descriptor from a sample value.
func DescribeValue(source string, v any) Descriptor {
	desc := Descriptor{Source: source, Dtype: Dtype(v), Shape: []int{}}
	if desc.Dtype == "array" {
		desc.Shape = []int{reflect.ValueOf(v).Len()}
	}
	return desc
}

// ToFloat converts numeric values, decimals, booleans and numeric strings to float64.
func ToFloat(v any) (float64, error) {
	return toFloat(v)
}

func toFloat(v any) (float64, error) {
	switch typed := v.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int8:
		return float64(typed), nil
	case int16:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case uint:
		return float64(typed), nil
	case uint8:
		return float64(typed), nil
	case uint16:
		return float64(typed), nil
	case uint32:
		return float64(typed), nil
	case uint64:
		return float64(typed), nil
	case decimal.Decimal:
		f, _ := typed.Float64()
		return f, nil
	case bool:
		if typed {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, fmt.Errorf("parse number %q: %w", typed, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

func toInt(v any) (int64, error) {
	switch typed := v.(type) {
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case uint16:
		return int64(typed), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer %q: %w", typed, err)
		}
		return i, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch typed := v.(type) {
	case decimal.Decimal:
		return typed, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal %q: %w", typed, err)
		}
		return d, nil
	case int64:
		return decimal.NewFromInt(typed), nil
	case int:
		return decimal.NewFromInt(int64(typed)), nil
	}
	f, err := toFloat(v)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(f), nil
}

func toBool(v any) (bool, error) {
	switch typed := v.(type) {
	case bool:
		return typed, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return false, fmt.Errorf("parse bool %q: %w", typed, err)
		}
		return b, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

func toArray(v any) ([]float64, error) {
	switch typed := v.(type) {
	case []float64:
		return append([]float64(nil), typed...), nil
	case nil:
		return []float64{}, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot convert %T to array", v)
	}
	out := make([]float64, rv.Len())
	for i := range out {
		f, err := toFloat(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
