package peer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/dcshare/internal/conn"
	"github.com/cenkalti/dcshare/internal/queue"
	"github.com/cenkalti/dcshare/internal/slots"
)

func testConfig(nick string, item *queue.Item, dir string) Config {
	return Config{
		OwnNick:       nick,
		Supports:      []string{"TTHSearch"},
		IncompleteDir: dir,
		SegmentSize:   1024,
		UploadSlots:   slots.New(3),
		DownloadSlots: slots.New(3),
		Hooks: Hooks{
			Next: func(peerNick string) (*queue.Item, bool) {
				if item == nil {
					return nil, false
				}
				return item, true
			},
			Resolve: func(peerNick, kind, identifier string) (string, int64, error) {
				return "", 0, nil
			},
		},
	}
}

func TestHandshakeListenerWithWorkElectsDownload(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()

	item := &queue.Item{ID: "tth1", IncompleteBase: "movie.mkv", Offset: 0, Length: 100, Candidates: map[string]struct{}{}}
	listener := New(&conn.TCP{Conn: a}, RoleListener, testConfig("listenernick", item, dir))
	dialer := New(&conn.TCP{Conn: b}, RoleDialer, testConfig("dialernick", nil, dir))

	go listener.Run()
	go dialer.Run()

	time.Sleep(100 * time.Millisecond)

	if listener.PeerNick() != "dialernick" {
		t.Fatalf("listener did not learn dialer nick: %q", listener.PeerNick())
	}
	if dialer.PeerNick() != "listenernick" {
		t.Fatalf("dialer did not learn listener nick: %q", dialer.PeerNick())
	}

	listener.mu.Lock()
	lState := listener.state
	lSelected := listener.selected
	listener.mu.Unlock()
	if lState != stateTransfer {
		t.Fatalf("expected listener in transfer state, got %v", lState)
	}
	if lSelected == nil {
		t.Fatal("expected listener to have a selected download item")
	}
}

func TestHandshakeBothHaveWorkHigherRandomDownloads(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()

	listenerItem := &queue.Item{ID: "tth-listener", IncompleteBase: "a.bin", Offset: 0, Length: 10, Candidates: map[string]struct{}{}}
	dialerItem := &queue.Item{ID: "tth-dialer", IncompleteBase: "b.bin", Offset: 0, Length: 10, Candidates: map[string]struct{}{}}

	listener := New(&conn.TCP{Conn: a}, RoleListener, testConfig("listenernick", listenerItem, dir))
	dialer := New(&conn.TCP{Conn: b}, RoleDialer, testConfig("dialernick", dialerItem, dir))

	go listener.Run()
	go dialer.Run()

	time.Sleep(150 * time.Millisecond)

	listener.mu.Lock()
	lState, lOwn, lPeer, lRemaining := listener.state, listener.ownRandom, listener.peerRandom, listener.remaining
	listener.mu.Unlock()
	dialer.mu.Lock()
	dState, dOwn, dPeer, dRemaining := dialer.state, dialer.ownRandom, dialer.peerRandom, dialer.remaining
	dialer.mu.Unlock()

	if lState != stateTransfer || dState != stateTransfer {
		t.Fatalf("expected both sessions in transfer state, got listener=%v dialer=%v", lState, dState)
	}
	if lOwn != dPeer || dOwn != lPeer {
		t.Fatalf("random numbers didn't cross-match: lOwn=%d dPeer=%d dOwn=%d lPeer=%d", lOwn, dPeer, dOwn, lPeer)
	}

	listenerShouldDownload := lOwn > lPeer
	dialerShouldDownload := dOwn > dPeer
	if listenerShouldDownload == dialerShouldDownload {
		t.Fatalf("exactly one side should win the direction election, got listener=%v dialer=%v", listenerShouldDownload, dialerShouldDownload)
	}
	if listenerShouldDownload && lRemaining == 0 {
		t.Fatal("listener had the higher random but never started its download")
	}
	if dialerShouldDownload && dRemaining == 0 {
		t.Fatal("dialer had the higher random but never started its download")
	}
}

func TestHandshakeBothIdleEndsInTransferWithNoDownload(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()

	listener := New(&conn.TCP{Conn: a}, RoleListener, testConfig("listenernick", nil, dir))
	dialer := New(&conn.TCP{Conn: b}, RoleDialer, testConfig("dialernick", nil, dir))

	go listener.Run()
	go dialer.Run()

	time.Sleep(100 * time.Millisecond)

	listener.mu.Lock()
	lState := listener.state
	lSelected := listener.selected
	listener.mu.Unlock()
	if lState != stateTransfer {
		t.Fatalf("expected transfer state, got %v", lState)
	}
	if lSelected != nil {
		t.Fatal("expected no selected item when neither side has work")
	}
}

func TestDownloadRatePositiveAfterUpdateAndTick(t *testing.T) {
	dir := t.TempDir()
	a, b := net.Pipe()

	item := &queue.Item{ID: "tth1", IncompleteBase: "movie.mkv", Offset: 0, Length: 5, Candidates: map[string]struct{}{}}
	listener := New(&conn.TCP{Conn: a}, RoleListener, testConfig("listenernick", item, dir))
	dialerCfg := testConfig("dialernick", nil, dir)
	dialerCfg.Hooks.Resolve = func(peerNick, kind, identifier string) (string, int64, error) {
		return "", 0, nil
	}
	dialer := New(&conn.TCP{Conn: b}, RoleDialer, dialerCfg)

	go listener.Run()
	go dialer.Run()

	time.Sleep(100 * time.Millisecond)

	listener.downloadRate.Update(5)
	listener.downloadRate.Tick()
	if listener.DownloadRate() <= 0 {
		t.Fatal("expected a positive download rate after Update+Tick")
	}
}

func TestKeyMismatchClosesSession(t *testing.T) {
	dir := t.TempDir()
	client, hubSide := net.Pipe()
	s := New(&conn.TCP{Conn: client}, RoleDialer, testConfig("nick", nil, dir))
	go s.Run()
	// The session answers $MyNick and $Lock; drain those replies so its
	// writes on the synchronous pipe do not block the frames below.
	go io.Copy(io.Discard, hubSide)

	hubSide.Write([]byte("$MyNick remote|"))
	time.Sleep(20 * time.Millisecond)
	hubSide.Write([]byte("$Lock Majestic12 Pk=foo|"))
	time.Sleep(20 * time.Millisecond)
	hubSide.Write([]byte("$Key garbage|"))
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	active := s.conn.Active()
	s.mu.Unlock()
	if active {
		t.Fatal("expected session closed on key mismatch")
	}
}
