package events

import "testing"

func TestChannelMapping(t *testing.T) {
	tests := []struct {
		ev   ActivationEvent
		want string
	}{
		{Start{ID: "a"}, ChannelActivationStart},
		{Progress{ID: "a"}, ChannelActivationProgress},
		{Debug{ID: "a"}, ChannelActivationDebug},
		{Complete{ID: "a"}, ChannelActivationComplete},
		{Error{ID: "a"}, ChannelActivationError},
	}
	for _, tc := range tests {
		if got := Channel(tc.ev); got != tc.want {
			t.Errorf("Channel(%T) = %q, want %q", tc.ev, got, tc.want)
		}
	}
}

func TestTerminality(t *testing.T) {
	for _, ev := range []ActivationEvent{Start{}, Progress{}, Debug{}} {
		if ev.Terminal() {
			t.Errorf("%T should not be terminal", ev)
		}
	}
	for _, ev := range []ActivationEvent{Complete{}, Error{}} {
		if !ev.Terminal() {
			t.Errorf("%T should be terminal", ev)
		}
	}
}

func TestTopic(t *testing.T) {
	if got := Topic(ChannelActivationProgress, "abc"); got != "activation:progress:abc" {
		t.Errorf("Topic = %q", got)
	}
}
