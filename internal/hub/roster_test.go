package hub

import "testing"

func TestUpsertIsIdempotent(t *testing.T) {
	r := NewRoster()
	p1 := r.Upsert("alice")
	p2 := r.Upsert("alice")
	if p1.Nickname != "alice" || p2.Nickname != "alice" {
		t.Fatal("expected both calls to return alice's record")
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("expected 1 roster entry, got %d", len(r.Snapshot()))
	}
}

func TestUpdateIPPersistsAfterRemove(t *testing.T) {
	r := NewRoster()
	r.Upsert("bob")
	r.UpdateIP("bob", "1.2.3.4")
	r.Remove("bob")

	if r.Get("bob") != nil {
		t.Fatal("expected bob removed from live roster")
	}
	ip, ok := r.IP("bob")
	if !ok || ip != "1.2.3.4" {
		t.Fatalf("expected durable IP to survive removal, got %q ok=%v", ip, ok)
	}
}

func TestNicksForIP(t *testing.T) {
	r := NewRoster()
	r.Upsert("alice")
	r.Upsert("bob")
	r.UpdateIP("alice", "10.0.0.1")
	r.UpdateIP("bob", "10.0.0.1")

	nicks := r.NicksForIP("10.0.0.1")
	if len(nicks) != 2 {
		t.Fatalf("expected 2 nicks sharing the IP, got %d", len(nicks))
	}
}

func TestUpdateMyINFOFillsFields(t *testing.T) {
	r := NewRoster()
	r.UpdateMyINFO("alice", "desc", "<++ V:1.0>", 0x01, "a@b.c", 1024)
	p := r.Get("alice")
	if p == nil {
		t.Fatal("expected alice to be upserted by UpdateMyINFO")
	}
	if p.Description != "desc" || p.ShareSize != 1024 || p.Email != "a@b.c" {
		t.Fatalf("unexpected peer record: %+v", p)
	}
}

func TestIPsRoundTripsThroughRestoreIPs(t *testing.T) {
	r := NewRoster()
	r.Upsert("alice")
	r.UpdateIP("alice", "1.2.3.4")

	r2 := NewRoster()
	r2.RestoreIPs(r.IPs())

	ip, ok := r2.IP("alice")
	if !ok || ip != "1.2.3.4" {
		t.Fatalf("expected restored IP, got %q ok=%v", ip, ok)
	}
	if r2.Get("alice") != nil {
		t.Fatal("RestoreIPs must not add a live roster entry")
	}
}

func TestClearPreservesDurableIPs(t *testing.T) {
	r := NewRoster()
	r.Upsert("alice")
	r.UpdateIP("alice", "1.1.1.1")
	r.Clear()
	if r.Get("alice") != nil {
		t.Fatal("expected live roster cleared")
	}
	if ip, ok := r.IP("alice"); !ok || ip != "1.1.1.1" {
		t.Fatal("expected durable IP map to survive Clear")
	}
}
