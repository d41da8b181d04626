package cache

import (
	"strings"
	"testing"
)

func TestKey_OrderIndependentAndRounded(t *testing.T) {
	a := Key("wave", map[string]interface{}{"start": int64(1), "end": int64(2), "keep": 0.75})
	b := Key("wave", map[string]interface{}{"keep": 0.7500000001, "end": int64(2), "start": int64(1)})
	if a != b {
		t.Errorf("expected equal keys, got %s and %s", a, b)
	}
	if !strings.HasPrefix(a, "wave:") || len(a) != len("wave:")+64 {
		t.Errorf("unexpected key format %s", a)
	}

	c := Key("wave", map[string]interface{}{"start": int64(1), "end": int64(3), "keep": 0.75})
	if a == c {
		t.Error("expected different keys for different fields")
	}
}
