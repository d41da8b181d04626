package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Key builds a deterministic cache key from named fields.
// Field order does not matter and floats are rounded to 6 decimals, so equal
// parameter sets always map to the same key.
// Formula: prefix:SHA256(name1=value1|name2=value2|...)
func Key(prefix string, fields map[string]interface{}) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+formatField(fields[name]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + ":" + hex.EncodeToString(hash[:])
}

func formatField(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case []int:
		s := make([]string, len(x))
		for i, n := range x {
			s[i] = fmt.Sprint(n)
		}
		return "[" + strings.Join(s, ",") + "]"
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.6f", math.Round(f*1e6)/1e6)
}
