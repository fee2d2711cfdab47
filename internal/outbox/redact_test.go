package outbox

import "testing"

func TestRedactSecretsScrubsBotToken(t *testing.T) {
	in := "POST https://api.telegram.org/bot123456789:AAH8x2ZqT9abcdefghijklmnopqrstuv/sendMessage failed"
	out := RedactSecrets(in)

	if out == in {
		t.Fatal("expected token to be redacted")
	}
	if got := out; !contains(got, "bot[REDACTED]") {
		t.Errorf("expected bot[REDACTED] marker, got %q", got)
	}
	if contains(out, "AAH8x2ZqT9abcdefghijklmnopqrstuv") {
		t.Errorf("expected raw token to be gone, got %q", out)
	}
}

func TestRedactSecretsLeavesOrdinaryTextAlone(t *testing.T) {
	in := "no secrets here"
	if out := RedactSecrets(in); out != in {
		t.Errorf("expected unchanged text, got %q", out)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
