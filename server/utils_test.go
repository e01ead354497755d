package main

import (
	"strings"
	"testing"
)

func TestUniqueName(t *testing.T) {
	testSetup()

	cases := []struct {
		existing []string
		name     string
		want     string
	}{
		{nil, "game", "game"},
		{[]string{"game"}, "game", "game (2)"},
		{[]string{"game", "game (1)"}, "game", "game (2)"},
		{[]string{"game", "game (2)"}, "game", "game (3)"},
		{[]string{"other"}, "game", "game"},
	}
	for _, tc := range cases {
		if got := uniqueName(tc.existing, tc.name); got != tc.want {
			t.Errorf("uniqueName(%v, %q) = %q, want %q", tc.existing, tc.name, got, tc.want)
		}
	}
}

func TestValidName(t *testing.T) {
	testSetup()

	valid := []string{"untitled", "my project", "game (2)", "role-1", "a.b,c"}
	for _, name := range valid {
		if !validName(name) {
			t.Errorf("validName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", " leading", strings.Repeat("x", 51), "bad/name", "<xml>"}
	for _, name := range invalid {
		if validName(name) {
			t.Errorf("validName(%q) = true, want false", name)
		}
	}
}

func TestFoldName(t *testing.T) {
	if foldName("Alice") != foldName("ALICE") {
		t.Error("case-folded usernames should compare equal")
	}
	if foldName("  alice ") != "alice" {
		t.Error("whitespace should be trimmed")
	}
}

func TestHashPassword(t *testing.T) {
	h1 := hashPassword("salt", "submitted")
	h2 := hashPassword("salt", "submitted")
	if h1 != h2 {
		t.Error("hash is not deterministic")
	}
	if h1 == hashPassword("other", "submitted") {
		t.Error("salt is not mixed into the hash")
	}
	if len(h1) != 128 {
		t.Errorf("hash length = %d, want 128 hex chars", len(h1))
	}
}

func TestLooksLikeId(t *testing.T) {
	if !looksLikeId("f47ac10b-58cc-4372-a567-0e02b2c3d479") {
		t.Error("uuid not recognized as project id")
	}
	if looksLikeId("untitled") {
		t.Error("name recognized as project id")
	}
}
