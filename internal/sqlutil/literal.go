package sqlutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// NullLiteral is the engine's null literal.
const NullLiteral = "NULL"

// FormatLiteral renders v as a SQL literal.
//
// Strings are single-quoted with embedded quotes doubled. Numbers are written
// unquoted, booleans as TRUE/FALSE, times as quoted RFC 3339 text. Maps and
// slices are encoded as quoted JSON so they can land in json/jsonb columns.
// Any other value is quoted using its fmt.Sprint form.
func FormatLiteral(v any) string {
	if v == nil {
		return NullLiteral
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return NullLiteral
		}
		return FormatLiteral(rv.Elem().Interface())
	}

	switch val := v.(type) {
	case string:
		return quoteString(val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return quoteString(val.UTC().Format(time.RFC3339Nano))
	case []byte:
		if val == nil {
			return NullLiteral
		}
		return `'\x` + hex.EncodeToString(val) + `'`
	case json.Number:
		if _, err := strconv.ParseFloat(string(val), 64); err == nil {
			return string(val)
		}
		return quoteString(string(val))
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return formatFloat(float64(val), 32)
	case float64:
		return formatFloat(val, 64)
	case fmt.Stringer:
		return quoteString(val.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return NullLiteral
		}
		fallthrough
	case reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return quoteString(fmt.Sprint(v))
		}
		return quoteString(string(data))
	}

	return quoteString(fmt.Sprint(v))
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "'NaN'"
	case math.IsInf(f, 1):
		return "'Infinity'"
	case math.IsInf(f, -1):
		return "'-Infinity'"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}
