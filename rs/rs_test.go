package rs

import "testing"

func TestConnectPeerThenGetPeerList(t *testing.T) {
	store := NewStore()
	server := NewServer(store)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(server.Addr().String())
	peers, err := client.ConnectPeer("test-channel", PeerSeed{PeerID: "p1", Host: "127.0.0.1", Port: 7000})
	if err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "p1" {
		t.Fatalf("expected one peer p1, got %+v", peers)
	}

	list, err := client.GetPeerList("test-channel")
	if err != nil {
		t.Fatalf("GetPeerList: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(list))
	}

	infos, err := client.GetChannelInfos()
	if err != nil {
		t.Fatalf("GetChannelInfos: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "test-channel" {
		t.Fatalf("expected test-channel in infos, got %+v", infos)
	}
}

func TestGetPeerStatusNotFound(t *testing.T) {
	store := NewStore()
	store.SetChannelManageInfo([]ChannelInfo{{Name: "test-channel"}})
	server := NewServer(store)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(server.Addr().String())
	if _, err := client.GetPeerStatus("test-channel", "nobody"); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestGetRandomTableIsDeterministic(t *testing.T) {
	store := NewStore()
	server := NewServer(store)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(server.Addr().String())
	a, err := client.GetRandomTable("test-seed", 3)
	if err != nil {
		t.Fatalf("GetRandomTable: %v", err)
	}
	b, err := client.GetRandomTable("test-seed", 3)
	if err != nil {
		t.Fatalf("GetRandomTable: %v", err)
	}
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expected 3 entries, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].PeerID != b[i].PeerID {
			t.Fatalf("expected deterministic peer_id at index %d, got %s vs %s", i, a[i].PeerID, b[i].PeerID)
		}
	}
}
