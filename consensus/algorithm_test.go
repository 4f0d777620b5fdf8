package consensus

import (
	"testing"
	"time"
)

func TestNoneDoesNotRequireVote(t *testing.T) {
	a := None()
	if a.RequiresVote() {
		t.Fatal("None should not require a vote")
	}
	if _, ok := a.VoteTimeout(); ok {
		t.Fatal("None should not have a vote timeout")
	}
}

func TestDefaultAndSieverRequireVoteNoTimeout(t *testing.T) {
	for _, a := range []Algorithm{Default(), Siever()} {
		if !a.RequiresVote() {
			t.Fatalf("%v should require a vote", a.Kind())
		}
		if _, ok := a.VoteTimeout(); ok {
			t.Fatalf("%v should not have a vote timeout", a.Kind())
		}
	}
}

func TestLFTHasTimeout(t *testing.T) {
	a := LFT(20 * time.Second)
	if !a.RequiresVote() {
		t.Fatal("LFT should require a vote")
	}
	d, ok := a.VoteTimeout()
	if !ok || d != 20*time.Second {
		t.Fatalf("expected 20s timeout, got %v ok=%v", d, ok)
	}
}

func TestForKind(t *testing.T) {
	if ForKind(AlgorithmNone, time.Second).Kind() != AlgorithmNone {
		t.Fatal("expected none")
	}
	if ForKind("bogus", time.Second).Kind() != AlgorithmDefault {
		t.Fatal("expected default fallback")
	}
}
