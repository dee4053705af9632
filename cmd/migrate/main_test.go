package main

import (
	"bytes"
	"database/sql"
	"strings"
	"testing"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunUpAndCounts(t *testing.T) {
	db := openMemory(t)
	var out bytes.Buffer

	if err := run(db, "up", &out); err != nil {
		t.Fatalf("up: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO sources (id, handle, active, created_at, updated_at) VALUES (1, 'alpha', 1, 'x', 'x'), (2, 'beta', 0, 'x', 'x')`); err != nil {
		t.Fatalf("seed sources: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO fingerprints (origin_source, origin_seq, digest, first_seen, delivered_message_id) VALUES (1, 10, 'd1', 'x', 77), (1, 11, 'd2', 'x', NULL)`); err != nil {
		t.Fatalf("seed fingerprints: %v", err)
	}

	if err := run(db, "counts", &out); err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := "sources: 1 active, 1 removed\nfingerprints: 2 (1 delivered)\nvectors: 0\n"
	if out.String() != want {
		t.Errorf("counts output = %q, want %q", out.String(), want)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(openMemory(t), "drop-everything", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	usage(&buf)
	for _, c := range commands {
		if !strings.Contains(buf.String(), c.name) {
			t.Errorf("usage missing %q", c.name)
		}
	}
}
