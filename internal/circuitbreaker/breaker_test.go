package circuitbreaker

import (
	"testing"
	"time"
)

func TestAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("card") {
		t.Fatal("closed circuit must allow")
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")
	if !b.Allow("card") {
		t.Fatal("must allow below threshold")
	}

	b.RecordFailure("card")
	if b.Allow("card") {
		t.Fatal("must reject after 3 failures")
	}
	if got := b.State("card"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestProbeAfterOpenDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")
	if b.Allow("card") {
		t.Fatal("must be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("card") {
		t.Fatal("must admit one probe after the open duration")
	}
	if got := b.State("card"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
	if b.Allow("card") {
		t.Fatal("must reject while a probe is in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")
	time.Sleep(60 * time.Millisecond)
	b.Allow("card") // moves to half-open

	b.RecordSuccess("card")
	if got := b.State("card"); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if !b.Allow("card") {
		t.Fatal("must allow after recovery")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")
	time.Sleep(60 * time.Millisecond)
	b.Allow("card")

	b.RecordFailure("card")
	if got := b.State("card"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestSuccessResetsCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")
	b.RecordSuccess("card")

	b.RecordFailure("card")
	if !b.Allow("card") {
		t.Fatal("must remain closed after the counter reset")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("card")
	b.RecordFailure("card")

	if b.Allow("card") {
		t.Fatal("card must be open")
	}
	if !b.Allow("external") {
		t.Fatal("external must be unaffected")
	}
}

func TestUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if got := b.State("unknown"); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
