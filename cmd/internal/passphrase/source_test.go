package passphrase

import "testing"

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("VERTO_TEST_PASS", "hunter2")
	src := NewSource("VERTO_TEST_PASS", "")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("unexpected passphrase %q err=%v", got, err)
	}
	t.Setenv("VERTO_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("expected cached passphrase, got %q", again)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("VERTO_TEST_PASS", "  ")
	if _, err := NewSource("VERTO_TEST_PASS", "").Get(); err == nil {
		t.Fatalf("expected empty passphrase to be rejected")
	}
	empty, err := NewSource("VERTO_TEST_PASS", "").AllowEmpty(true).Get()
	if err != nil || empty != "  " {
		t.Fatalf("expected raw value when empty is allowed, got %q err=%v", empty, err)
	}
}

func TestStatic(t *testing.T) {
	if got, err := Static("pw").Get(); err != nil || got != "pw" {
		t.Fatalf("unexpected static passphrase %q err=%v", got, err)
	}
}
