package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/loopnode/peer"
	"github.com/tolelom/loopnode/rpc"
)

// recordingHandler answers AddTx and records the channel it was called
// for, so fan-out tests can assert every subscriber was actually reached.
type recordingHandler struct {
	rpc.Handler
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) AddTx(ctx context.Context, channel string, txBytes json.RawMessage) (*rpc.CommonReply, error) {
	h.mu.Lock()
	h.seen = append(h.seen, channel)
	h.mu.Unlock()
	return &rpc.CommonReply{Code: rpc.CodeOK}, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type fakeOps struct {
	mu     sync.Mutex
	marked map[string]peer.Status
}

func (o *fakeOps) Mark(peerID string, status peer.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.marked == nil {
		o.marked = make(map[string]peer.Status)
	}
	o.marked[peerID] = status
}

func (o *fakeOps) statusOf(peerID string) (peer.Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.marked[peerID]
	return s, ok
}

func TestCallTimeoutPicksConsensusBudget(t *testing.T) {
	hot := []string{rpc.MethodAnnounceUnconfirmedBlock, rpc.MethodAnnounceConfirmedBlock, rpc.MethodVoteUnconfirmedBlock}
	for _, m := range hot {
		if got := callTimeout(m); got != 6*time.Second {
			t.Errorf("callTimeout(%s) = %v, want 6s", m, got)
		}
	}
	if got := callTimeout(rpc.MethodGetStatus); got != 30*time.Second {
		t.Errorf("callTimeout(GetStatus) = %v, want 30s", got)
	}
}

func TestUpdateAudienceReplacesSubscribers(t *testing.T) {
	w := &Worker{
		subscribers: make(map[string]*peer.Entry),
		failures:    make(map[string]int),
		log:         logrus.WithField("test", "update_audience"),
	}
	dump, err := json.Marshal(struct {
		Peers []*peer.Entry `json:"peers"`
	}{Peers: []*peer.Entry{
		{PeerID: "p1", Host: "127.0.0.1", Port: 7100},
		{PeerID: "p2", Host: "127.0.0.1", Port: 7101},
	}})
	if err != nil {
		t.Fatal(err)
	}
	w.updateAudience(dump)
	if len(w.subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(w.subscribers))
	}
	if _, ok := w.subscribers["p1"]; !ok {
		t.Error("missing p1")
	}
}

func TestRecordFailureMarksAfterThreshold(t *testing.T) {
	ops := &fakeOps{}
	w := &Worker{
		ops:      ops,
		failures: make(map[string]int),
	}
	for i := 0; i < 4; i++ {
		w.recordFailure("p1")
	}
	if _, marked := ops.statusOf("p1"); marked {
		t.Fatal("should not be marked before threshold")
	}
	w.recordFailure("p1")
	status, marked := ops.statusOf("p1")
	if !marked || status != peer.StatusUnreachable {
		t.Fatalf("expected p1 marked unreachable, got %v marked=%v", status, marked)
	}
}

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	w := NewWorker("test-channel", &fakeOps{}, func(e *peer.Entry) (*rpc.Client, error) {
		return nil, context.DeadlineExceeded
	})
	defer w.Stop()

	w.Subscribe("p1")
	waitForEmptyQueue(t, w)
	w.mu.Lock()
	_, ok := w.subscribers["p1"]
	w.mu.Unlock()
	if !ok {
		t.Fatal("expected p1 subscribed")
	}

	w.Unsubscribe("p1")
	waitForEmptyQueue(t, w)
	w.mu.Lock()
	_, ok = w.subscribers["p1"]
	w.mu.Unlock()
	if ok {
		t.Fatal("expected p1 unsubscribed")
	}
}

// TestFanOutReachesEveryAudienceMember starts a real inner rpc.Server per
// "peer" and drives Worker.CreateTx end to end, proving the command queue,
// the bounded worker pool and the dial callback all wire together.
func TestFanOutReachesEveryAudienceMember(t *testing.T) {
	const n = 3
	handlers := make([]*recordingHandler, n)
	servers := make([]*rpc.Server, n)
	addrs := make([]string, n)
	for i := range handlers {
		h := &recordingHandler{}
		srv := rpc.NewServer(h)
		if err := srv.StartInner("127.0.0.1:0"); err != nil {
			t.Fatalf("StartInner: %v", err)
		}
		t.Cleanup(srv.Stop)
		handlers[i] = h
		servers[i] = srv
		addrs[i] = srv.InnerAddr().String()
	}

	w := NewWorker("test-channel", &fakeOps{}, func(e *peer.Entry) (*rpc.Client, error) {
		return rpc.NewClient(e.Addr(), nil), nil
	})
	defer w.Stop()

	dump, err := json.Marshal(struct {
		Peers []*peer.Entry `json:"peers"`
	}{Peers: []*peer.Entry{
		addrEntry(t, "p0", addrs[0]),
		addrEntry(t, "p1", addrs[1]),
		addrEntry(t, "p2", addrs[2]),
	}})
	if err != nil {
		t.Fatal(err)
	}
	w.UpdateAudience(dump)
	waitForEmptyQueue(t, w)

	w.CreateTx(rpc.AddTxParams{Channel: "test-channel", TxBytes: json.RawMessage(`{}`)})
	waitForEmptyQueue(t, w)

	deadline := time.Now().Add(2 * time.Second)
	for {
		total := 0
		for _, h := range handlers {
			total += h.count()
		}
		if total == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d deliveries, got %d", n, total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func addrEntry(t *testing.T, peerID, addr string) *peer.Entry {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return &peer.Entry{PeerID: peerID, Host: host, Port: port}
}

func waitForEmptyQueue(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan struct{})
	w.enqueue(command{kind: cmdStatus, done: done})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command queue did not drain in time")
	}
}
