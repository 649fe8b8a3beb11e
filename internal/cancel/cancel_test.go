package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
)

func TestScopeLifecycle(t *testing.T) {
	m := NewManager(clock.NewFake())

	s1 := m.NewScope("a1")
	if s1.Epoch != 0 {
		t.Fatalf("first epoch = %d, want 0", s1.Epoch)
	}
	if err := s1.AssertActive(); err != nil {
		t.Fatalf("fresh scope inactive: %v", err)
	}

	// Scopes between aborts share the epoch and the context.
	s2 := m.NewScope("a1")
	if s2.Epoch != s1.Epoch {
		t.Fatalf("sibling scopes diverge: %d vs %d", s2.Epoch, s1.Epoch)
	}

	if !m.Abort("a1", ReasonMessageInterruption) {
		t.Fatal("abort with live scope should report true")
	}
	if err := s1.AssertActive(); !errors.Is(err, ErrScopeStale) {
		t.Fatalf("stale scope passed assert: %v", err)
	}
	if s1.Active() {
		t.Fatal("stale scope reports active")
	}

	select {
	case <-s1.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the scope context")
	}
	if !errors.Is(context.Cause(s1.Context()), ErrScopeStale) {
		t.Fatalf("unexpected cancellation cause: %v", context.Cause(s1.Context()))
	}

	info := m.LastAbortInfo("a1")
	if info == nil || info.Reason != ReasonMessageInterruption {
		t.Fatalf("abort info missing: %+v", info)
	}

	// Fresh scope after abort carries the bumped epoch and a live ctx.
	s3 := m.NewScope("a1")
	if s3.Epoch != s1.Epoch+1 {
		t.Fatalf("epoch after abort = %d, want %d", s3.Epoch, s1.Epoch+1)
	}
	if s3.Context().Err() != nil {
		t.Fatal("new scope context already cancelled")
	}
}

func TestAbortWithoutScope(t *testing.T) {
	m := NewManager(clock.NewFake())

	if m.Abort("ghost", ReasonUserRequested) {
		t.Fatal("abort with no scope should report false")
	}
	if m.Epoch("ghost") != 1 {
		t.Fatalf("epoch = %d, want 1", m.Epoch("ghost"))
	}
	if info := m.LastAbortInfo("ghost"); info == nil || info.Reason != ReasonUserRequested {
		t.Fatalf("abort info missing: %+v", info)
	}
}

func TestEpochsIsolatedPerAgent(t *testing.T) {
	m := NewManager(clock.NewFake())

	sa := m.NewScope("a")
	m.NewScope("b")
	m.Abort("b", ReasonUserRequested)

	if err := sa.AssertActive(); err != nil {
		t.Fatalf("abort of b invalidated a: %v", err)
	}
	if m.Epoch("a") != 0 || m.Epoch("b") != 1 {
		t.Fatalf("epochs crossed: a=%d b=%d", m.Epoch("a"), m.Epoch("b"))
	}
}
