package cancel

import "testing"

func TestRequestAndClear(t *testing.T) {
	r := NewRegistry()

	if r.IsRequested("chat-1") {
		t.Error("fresh registry should have no flags")
	}

	r.Request("chat-1")
	r.Request("chat-1") // idempotent
	if !r.IsRequested("chat-1") {
		t.Error("flag not set after Request")
	}
	if r.IsRequested("chat-2") {
		t.Error("unrelated workflow flagged")
	}

	r.Clear("chat-1")
	if r.IsRequested("chat-1") {
		t.Error("flag survived Clear")
	}
	r.Clear("chat-1") // clearing a cleared flag is fine
}

func TestEmptyIDIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Request("")
	if r.IsRequested("") {
		t.Error("empty id must never read as requested")
	}
	r.Clear("")
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Request("w")
			r.Clear("w")
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		r.IsRequested("w")
	}
	<-done
}
