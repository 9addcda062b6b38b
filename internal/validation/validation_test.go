package validation

import "testing"

func TestErrorMessage(t *testing.T) {
	err := Errorf("price", "must be greater than zero, got %s", "-5.00")
	want := "invalid price: must be greater than zero, got -5.00"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestRequireFields(t *testing.T) {
	if err := RequireFields(map[string]string{"description": "ok"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := RequireFields(map[string]string{"reason": "   "})
	if err == nil || err.Field != "reason" {
		t.Errorf("expected reason required, got %v", err)
	}
}
