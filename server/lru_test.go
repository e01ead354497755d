package main

import "testing"

func TestLRUEviction(t *testing.T) {
	cache := newLRUCache(2)
	cache.put("a", 1)
	cache.put("b", 2)
	cache.put("c", 3)

	if _, ok := cache.get("a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if v, ok := cache.get("b"); !ok || v.(int) != 2 {
		t.Error("entry b missing")
	}
	if v, ok := cache.get("c"); !ok || v.(int) != 3 {
		t.Error("entry c missing")
	}
}

func TestLRURecency(t *testing.T) {
	cache := newLRUCache(2)
	cache.put("a", 1)
	cache.put("b", 2)
	// Touch a so b becomes the eviction candidate.
	cache.get("a")
	cache.put("c", 3)

	if _, ok := cache.get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := cache.get("b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestLRURemoveIf(t *testing.T) {
	cache := newLRUCache(8)
	cache.put("p1/a", 1)
	cache.put("p1/b", 2)
	cache.put("p2/a", 3)

	cache.removeIf(func(key string, _ any) bool {
		return key[:2] == "p1"
	})

	if cache.len() != 1 {
		t.Errorf("len = %d, want 1", cache.len())
	}
	if _, ok := cache.get("p2/a"); !ok {
		t.Error("unmatched entry removed")
	}
}
