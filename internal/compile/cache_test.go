package compile

import (
	"testing"
	"time"
)

func TestKey_Stable(t *testing.T) {
	headers := []Header{{Name: "a.h", Content: "int a;"}}
	if Key("code", headers) != Key("code", headers) {
		t.Error("identical inputs must hash identically")
	}
}

func TestKey_SensitiveToContent(t *testing.T) {
	base := Key("code", []Header{{Name: "a.h", Content: "int a;"}})

	if Key("other", []Header{{Name: "a.h", Content: "int a;"}}) == base {
		t.Error("different code must change the key")
	}
	if Key("code", []Header{{Name: "b.h", Content: "int a;"}}) == base {
		t.Error("different header name must change the key")
	}
	if Key("code", nil) == base {
		t.Error("dropping a header must change the key")
	}
}

func TestKey_OrderSensitive(t *testing.T) {
	a := Header{Name: "a.h", Content: "int a;"}
	b := Header{Name: "b.h", Content: "int b;"}
	if Key("code", []Header{a, b}) == Key("code", []Header{b, a}) {
		t.Error("header order must affect the key")
	}
}

func TestKey_NoBoundaryConfusion(t *testing.T) {
	// Length prefixing means shifting a byte across the name/content
	// boundary cannot collide.
	k1 := Key("code", []Header{{Name: "ab", Content: "c"}})
	k2 := Key("code", []Header{{Name: "a", Content: "bc"}})
	if k1 == k2 {
		t.Error("field boundary shift collided")
	}
}

func TestCache_HitAndExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	key := Key("code", nil)
	c.Put(key, Result{Success: true, Output: "ok"})

	got, ok := c.Get(key)
	if !ok || got.Output != "ok" {
		t.Fatalf("expected fresh hit, got %+v ok=%v", got, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Error("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Error("expired entry should be purged on lookup")
	}
}

func TestCache_IgnoresFailures(t *testing.T) {
	c := NewCache(time.Minute)
	key := Key("code", nil)
	c.Put(key, Result{Success: false, Output: "error: nope"})
	if _, ok := c.Get(key); ok {
		t.Error("failed results must not be cached")
	}
}

func TestCache_Sweep(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("old", Result{Success: true})
	now = now.Add(30 * time.Second)
	c.Put("fresh", Result{Success: true})
	now = now.Add(45 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}
