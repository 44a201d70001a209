package ratelimit

import (
	"testing"
	"time"
)

func TestInMemoryAllowWithinLimit(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 1; i <= 3; i++ {
		d := l.Allow("sub:alice", 3)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Count != i {
			t.Fatalf("count=%d want %d", d.Count, i)
		}
	}
	d := l.Allow("sub:alice", 3)
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining=%d", d.Remaining)
	}
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	l := NewInMemory(time.Minute)
	l.Allow("sub:alice", 1)
	if d := l.Allow("sub:bob", 1); !d.Allowed {
		t.Fatal("bob should have his own bucket")
	}
}

func TestInMemoryWindowReset(t *testing.T) {
	l := NewInMemory(time.Millisecond)
	l.Allow("k", 1)
	if d := l.Allow("k", 1); d.Allowed {
		t.Fatal("second hit in window should be rejected")
	}
	time.Sleep(5 * time.Millisecond)
	if d := l.Allow("k", 1); !d.Allowed {
		t.Fatal("new window should allow again")
	}
}

func TestInMemoryDefaults(t *testing.T) {
	l := NewInMemory(0)
	if l.window != time.Minute {
		t.Fatalf("window=%v", l.window)
	}
	d := l.Allow("k", 0)
	if d.Limit != 1 {
		t.Fatalf("limit should clamp to 1, got %d", d.Limit)
	}
}

func TestSubjectKey(t *testing.T) {
	if got := SubjectKey("9f1b2c3d", "10.0.0.1:4312"); got != "sub:9f1b2c3d" {
		t.Fatalf("got %q", got)
	}
	if got := SubjectKey("  ", "10.0.0.1:4312"); got != "addr:10.0.0.1" {
		t.Fatalf("got %q", got)
	}
	if got := SubjectKey("", "unix"); got != "addr:unix" {
		t.Fatalf("got %q", got)
	}
}
