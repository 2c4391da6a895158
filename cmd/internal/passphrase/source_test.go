package passphrase

import (
	"bytes"
	"strings"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	s := NewSource("RENTAL_KEY_PASS", "party key")
	s.lookupEnv = func(key string) (string, bool) {
		if key != "RENTAL_KEY_PASS" {
			t.Fatalf("unexpected lookup %s", key)
		}
		return "hunter2", true
	}
	s.isTerminal = func() bool {
		t.Fatalf("terminal consulted despite env")
		return false
	}
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s := NewSource("RENTAL_KEY_PASS", "")
	s.lookupEnv = func(string) (string, bool) { return "  ", true }
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for blank env value")
	}
}

func TestSourceRequiresTerminal(t *testing.T) {
	s := NewSource("RENTAL_KEY_PASS", "party key")
	s.lookupEnv = func(string) (string, bool) { return "", false }
	s.isTerminal = func() bool { return false }
	_, err := s.Get()
	if err == nil || !strings.Contains(err.Error(), "RENTAL_KEY_PASS") {
		t.Fatalf("expected env hint, got %v", err)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	var prompt bytes.Buffer
	calls := 0
	s := NewSource("", "party key")
	s.lookupEnv = func(string) (string, bool) { return "", false }
	s.isTerminal = func() bool { return true }
	s.prompt = &prompt
	s.readSecret = func() ([]byte, error) {
		calls++
		return []byte("secret"), nil
	}
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "secret" {
			t.Fatalf("unexpected result %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
	if !strings.Contains(prompt.String(), "Enter party key passphrase") {
		t.Fatalf("unexpected prompt %q", prompt.String())
	}
}
