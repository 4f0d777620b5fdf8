package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/tolelom/loopnode/errs"
)

type fakeStub struct{ closed bool }

func (f *fakeStub) Close() error { f.closed = true; return nil }

func TestLeaderRotation(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1", Host: "10.0.0.1", Port: 7100})
	m.Add(&Entry{PeerID: "p2", Host: "10.0.0.2", Port: 7100})
	m.Add(&Entry{PeerID: "p3", Host: "10.0.0.3", Port: 7100})

	leader, err := m.GetLeader()
	if err != nil || leader != "p1" {
		t.Fatalf("GetLeader: got (%q, %v) want (p1, nil)", leader, err)
	}
	next, err := m.GetNextLeader()
	if err != nil || next != "p2" {
		t.Fatalf("GetNextLeader: got (%q, %v) want (p2, nil)", next, err)
	}
	next, err = m.GetNextLeader()
	if err != nil || next != "p3" {
		t.Fatalf("GetNextLeader: got (%q, %v) want (p3, nil)", next, err)
	}
	next, err = m.GetNextLeader()
	if err != nil || next != "p1" {
		t.Fatalf("GetNextLeader wraps: got (%q, %v) want (p1, nil)", next, err)
	}
}

func TestLeaderRotationSkipsDisconnected(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1", Host: "10.0.0.1", Port: 7100})
	m.Add(&Entry{PeerID: "p2", Host: "10.0.0.2", Port: 7100})
	m.Add(&Entry{PeerID: "p3", Host: "10.0.0.3", Port: 7100})
	m.Mark("p2", StatusUnreachable)

	next, err := m.GetNextLeader()
	if err != nil || next != "p3" {
		t.Fatalf("GetNextLeader: got (%q, %v) want (p3, nil), expected p2 skipped as unreachable", next, err)
	}
	next, err = m.GetNextLeader()
	if err != nil || next != "p1" {
		t.Fatalf("GetNextLeader wraps past disconnected p2: got (%q, %v) want (p1, nil)", next, err)
	}
}

func TestLeaderRotationAllDisconnectedTerminates(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1", Host: "10.0.0.1", Port: 7100})
	m.Add(&Entry{PeerID: "p2", Host: "10.0.0.2", Port: 7100})
	m.Mark("p1", StatusUnreachable)
	m.Mark("p2", StatusUnreachable)

	done := make(chan struct{})
	var next string
	var err error
	go func() {
		next, err = m.GetNextLeader()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetNextLeader did not terminate with every peer disconnected")
	}
	if err != nil || (next != "p1" && next != "p2") {
		t.Fatalf("GetNextLeader with all disconnected: got (%q, %v)", next, err)
	}
}

func TestGetLeaderEmptyManager(t *testing.T) {
	m := NewManager("test-channel")
	if _, err := m.GetLeader(); !errors.Is(err, errs.ErrLeaderUnknown) {
		t.Errorf("GetLeader on empty manager: got %v want ErrLeaderUnknown", err)
	}
}

func TestRemovePreservesRotation(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1"})
	m.Add(&Entry{PeerID: "p2"})
	m.Add(&Entry{PeerID: "p3"})

	m.Remove("p2")
	if got := m.Count(); got != 2 {
		t.Fatalf("Count after remove: got %d want 2", got)
	}
	if _, ok := m.Get("p2"); ok {
		t.Error("removed peer still present")
	}
	leader, _ := m.GetLeader()
	if leader != "p1" {
		t.Errorf("leader after removing non-leader: got %s want p1", leader)
	}
}

func TestMarkTracksFailCount(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1"})
	m.Mark("p1", StatusUnreachable)
	m.Mark("p1", StatusUnreachable)
	e, _ := m.Get("p1")
	if e.FailCount != 2 {
		t.Errorf("FailCount: got %d want 2", e.FailCount)
	}
	m.Mark("p1", StatusConnected)
	e, _ = m.Get("p1")
	if e.FailCount != 0 {
		t.Errorf("FailCount after reconnect: got %d want 0", e.FailCount)
	}
}

func TestGetStubCachesAndEvicts(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1", Host: "10.0.0.1", Port: 7100})

	calls := 0
	factory := func(e *Entry) (Stub, error) {
		calls++
		return &fakeStub{}, nil
	}
	s1, err := m.GetStub("p1", factory)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.GetStub("p1", factory)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected cached stub to be reused")
	}
	if calls != 1 {
		t.Errorf("factory calls: got %d want 1", calls)
	}
}

func TestGetStubUnknownPeer(t *testing.T) {
	m := NewManager("test-channel")
	_, err := m.GetStub("ghost", func(e *Entry) (Stub, error) { return &fakeStub{}, nil })
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetStub unknown peer: got %v want ErrNotFound", err)
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	m := NewManager("test-channel")
	m.Add(&Entry{PeerID: "p1", Host: "10.0.0.1", Port: 7100})
	m.Add(&Entry{PeerID: "p2", Host: "10.0.0.2", Port: 7100})
	_, _ = m.GetNextLeader()

	data, err := m.Dump()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewManager("test-channel")
	if err := restored.Load(data); err != nil {
		t.Fatal(err)
	}
	leader, err := restored.GetLeader()
	if err != nil || leader != "p2" {
		t.Errorf("restored leader: got (%q, %v) want (p2, nil)", leader, err)
	}
	if restored.Count() != 2 {
		t.Errorf("restored count: got %d want 2", restored.Count())
	}
}
