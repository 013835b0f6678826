package overlay

import (
	"net"
	"testing"
	"time"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := New("127.0.0.1:0", nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.conn.Close() })
	return r
}

func fakePeerAddr(t *testing.T, port int) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestAllowsGroupEmptyAllowListAllowsEverything(t *testing.T) {
	r := newTestRelay(t)
	if !r.AllowsGroup("any-group") {
		t.Fatalf("expected empty allow-list to allow any group")
	}
}

func TestAllowsGroupRespectsAllowList(t *testing.T) {
	r, err := New("127.0.0.1:0", []string{"group-a"}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.conn.Close()

	if !r.AllowsGroup("group-a") {
		t.Fatalf("expected group-a to be allowed")
	}
	if r.AllowsGroup("group-b") {
		t.Fatalf("expected group-b to be rejected")
	}
}

func TestAdmitAcceptsBelowRedirectThreshold(t *testing.T) {
	r := newTestRelay(t)
	res := r.Admit(5)
	if res.Decision != AdmitAccept {
		t.Fatalf("expected accept below threshold, got %v", res.Decision)
	}
}

func TestAdmitRedirectsToLightlyLoadedPeer(t *testing.T) {
	r := newTestRelay(t)
	now := time.Unix(1000, 0)
	r.WithClock(func() time.Time { return now })
	r.recordBroadcast(fakePeerAddr(t, 7001), 10, 7001) // in [5,15)

	res := r.Admit(18)
	if res.Decision != AdmitRedirect {
		t.Fatalf("expected redirect, got %v", res.Decision)
	}
	if res.RedirectURL == "" {
		t.Fatalf("expected a non-empty redirect URL")
	}
}

func TestAdmitRejectsAtCapWithOnlyHeavilyLoadedAlternative(t *testing.T) {
	r := newTestRelay(t)
	now := time.Unix(1000, 0)
	r.WithClock(func() time.Time { return now })
	r.recordBroadcast(fakePeerAddr(t, 7001), 19, 7001) // outside [5,15), so no redirect target

	res := r.Admit(SoftCap)
	if res.Decision != AdmitReject {
		t.Fatalf("expected hard reject at cap with a known-but-unsuitable alternative, got %v", res.Decision)
	}
}

func TestAdmitAcceptsAtCapWithNoKnownPeers(t *testing.T) {
	r := newTestRelay(t)
	res := r.Admit(SoftCap)
	if res.Decision != AdmitAccept {
		t.Fatalf("expected accept at cap with no known alternative, got %v", res.Decision)
	}
}

func TestReapExpiredRemovesStaleRecords(t *testing.T) {
	r := newTestRelay(t)
	now := time.Unix(1000, 0)
	r.WithClock(func() time.Time { return now })
	r.recordBroadcast(fakePeerAddr(t, 7001), 3, 7001)

	if removed := r.ReapExpired(); removed != 0 {
		t.Fatalf("expected nothing reaped yet, got %d", removed)
	}

	r.WithClock(func() time.Time { return now.Add(RecordTTL + time.Minute) })
	if removed := r.ReapExpired(); removed != 1 {
		t.Fatalf("expected one stale record reaped, got %d", removed)
	}
	if r.PeerCount() != 0 {
		t.Fatalf("expected peer count 0 after reap, got %d", r.PeerCount())
	}
}

func TestRecordBroadcastUpdatesExistingPeer(t *testing.T) {
	r := newTestRelay(t)
	addr := fakePeerAddr(t, 7001)
	r.recordBroadcast(addr, 3, 7001)
	r.recordBroadcast(addr, 9, 7002)

	if r.PeerCount() != 1 {
		t.Fatalf("expected a single peer record updated in place, got %d", r.PeerCount())
	}
	rec := r.peers[addr.String()]
	if rec.activeConns != 9 || rec.port != 7002 {
		t.Fatalf("expected record updated to activeConns=9 port=7002, got %+v", rec)
	}
}

func TestServeDispatchesLoadBroadcastOverRealSocket(t *testing.T) {
	r := newTestRelay(t)
	go func() { _ = r.Serve() }()
	defer func() { _ = r.Shutdown() }()

	sender, err := net.DialUDP("udp", nil, r.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write(EncodeLoadBroadcast(4, 9000)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.PeerCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected relay to record the peer's load-broadcast, got PeerCount=%d", r.PeerCount())
}

func TestServeAnswersPeerLookupForRegisteredUser(t *testing.T) {
	r := newTestRelay(t)
	r.RegisterUser("alice", "10.0.0.5:7777")
	go func() { _ = r.Serve() }()
	defer func() { _ = r.Shutdown() }()

	sender, err := net.DialUDP("udp", nil, r.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write(EncodePeerLookupReq("alice")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := sender.Read(buf)
	if err != nil {
		t.Fatalf("expected a peer-lookup response: %v", err)
	}
	kind, body, ok := Classify(buf[:n])
	if !ok || kind != KindPeerLookupResp {
		t.Fatalf("expected a peer-lookup response frame, got kind=%v ok=%v", kind, ok)
	}
	userID, url := DecodePeerLookupResp(body)
	if userID != "alice" || url != "10.0.0.5:7777" {
		t.Fatalf("expected alice -> 10.0.0.5:7777, got %q -> %q", userID, url)
	}
}

func TestServeAnswersPeerLookupWithEmptyURLForUnknownUser(t *testing.T) {
	r := newTestRelay(t)
	go func() { _ = r.Serve() }()
	defer func() { _ = r.Shutdown() }()

	sender, err := net.DialUDP("udp", nil, r.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write(EncodePeerLookupReq("nobody")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := sender.Read(buf)
	if err != nil {
		t.Fatalf("expected a peer-lookup response: %v", err)
	}
	kind, body, ok := Classify(buf[:n])
	if !ok || kind != KindPeerLookupResp {
		t.Fatalf("expected a peer-lookup response frame, got kind=%v ok=%v", kind, ok)
	}
	_, url := DecodePeerLookupResp(body)
	if url != "" {
		t.Fatalf("expected an empty url for an unregistered user, got %q", url)
	}
}

func TestShutdownDeliversMigrationFrameToKnownPeers(t *testing.T) {
	r := newTestRelay(t)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()

	peerAddr := listener.LocalAddr().(*net.UDPAddr)
	r.recordBroadcast(peerAddr, 6, uint16(peerAddr.Port))

	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected to receive a shutdown-migration frame: %v", err)
	}
	kind, _, ok := Classify(buf[:n])
	if !ok || kind != KindShutdownMigrate {
		t.Fatalf("expected a shutdown-migrate frame, got kind=%v ok=%v", kind, ok)
	}
}
