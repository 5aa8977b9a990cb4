package tokens

import "testing"

// The fallback path must hold even without an encoding loaded: tiktoken
// needs its BPE data, which may be unavailable on an air-gapped host.
func TestFallbackCount(t *testing.T) {
	e := &Estimator{}

	if got := e.Count(""); got != 0 {
		t.Errorf("empty string = %d tokens, want 0", got)
	}
	if got := e.Count("abcdefgh"); got != 2 {
		t.Errorf("8 chars = %d tokens, want 2 via chars/4", got)
	}

	var nilEst *Estimator
	if got := nilEst.Count("abcdefgh"); got != 2 {
		t.Errorf("nil estimator = %d tokens, want chars/4 fallback", got)
	}
}

func TestCountMessagesAddsOverhead(t *testing.T) {
	e := &Estimator{}
	contents := []string{"abcdefgh", "abcd"}

	got := e.CountMessages(contents)
	want := (2 + perMessageOverhead) + (1 + perMessageOverhead)
	if got != want {
		t.Errorf("CountMessages = %d, want %d", got, want)
	}
}
