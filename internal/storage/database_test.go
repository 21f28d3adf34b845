package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diag.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesTables(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.RecentStatSnapshots(10); err != nil {
		t.Fatalf("stat_snapshots table missing: %v", err)
	}
	if _, err := db.RecentSessionEvents(10); err != nil {
		t.Fatalf("session_events table missing: %v", err)
	}
}

func TestInsertAndRecentStatSnapshots(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		s := &StatSnapshot{
			TakenAt: base.Add(time.Duration(i) * time.Minute),
			Lati:    48.85, Long: 2.35, Alti: 42,
			Rxnb: uint64(i), Rxok: uint64(i), Rxfw: uint64(i),
			Ackr: 100.0, Dwnb: uint64(i), Txnb: uint64(i),
		}
		id, err := db.InsertStatSnapshot(s)
		if err != nil {
			t.Fatalf("InsertStatSnapshot: %v", err)
		}
		if id <= 0 {
			t.Fatalf("InsertStatSnapshot returned id = %d", id)
		}
	}

	got, err := db.RecentStatSnapshots(2)
	if err != nil {
		t.Fatalf("RecentStatSnapshots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d snapshots; want 2 (limit)", len(got))
	}
	// newest first
	if !got[0].TakenAt.After(got[1].TakenAt) && !got[0].TakenAt.Equal(got[1].TakenAt) {
		t.Fatalf("snapshots not ordered newest-first: %v, %v", got[0].TakenAt, got[1].TakenAt)
	}
	if got[0].Rxnb != 2 {
		t.Fatalf("most recent Rxnb = %d; want 2", got[0].Rxnb)
	}
}

func TestInsertAndRecentSessionEvents(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().UTC().Truncate(time.Second)
	events := []*SessionEvent{
		{OccurredAt: base, Component: "uplink", SessionID: 1, DevAddr: 0x01020304, Event: "sent"},
		{OccurredAt: base.Add(time.Second), Component: "uplink", SessionID: 1, DevAddr: 0x01020304, Event: "acked"},
		{OccurredAt: base.Add(2 * time.Second), Component: "downlink", SessionID: 2, DevAddr: 0x0A0B0C0D, Event: "failed", Reason: "timeout"},
	}
	for _, e := range events {
		if _, err := db.InsertSessionEvent(e); err != nil {
			t.Fatalf("InsertSessionEvent: %v", err)
		}
	}

	got, err := db.RecentSessionEvents(10)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events; want 3", len(got))
	}
	if got[0].Event != "failed" || got[0].Reason != "timeout" {
		t.Fatalf("most recent event = %+v; want failed/timeout", got[0])
	}
	if got[0].DevAddr != 0x0A0B0C0D {
		t.Fatalf("DevAddr = %08X; want 0A0B0C0D", got[0].DevAddr)
	}
}

func TestRecentSessionEventsLimit(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		db.InsertSessionEvent(&SessionEvent{
			OccurredAt: base.Add(time.Duration(i) * time.Second),
			Component:  "uplink", SessionID: uint64(i), Event: "sent",
		})
	}
	got, err := db.RecentSessionEvents(3)
	if err != nil {
		t.Fatalf("RecentSessionEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events; want 3", len(got))
	}
}

func TestCloseThenQueryFails(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.RecentStatSnapshots(1); err == nil {
		t.Fatalf("expected an error querying after Close")
	}
}
