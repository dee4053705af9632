// Command migrate manages the schema of the digest fingerprint store:
// the sources table (cursors and the removed set), the fingerprints table
// (one row per canonical message, with the delivery back-pointer) and the
// vectors table (the similarity window).
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"digest_bot/migrations"
)

var commands = []struct {
	name string
	help string
}{
	{"up", "Create or upgrade the sources, fingerprints and vectors tables"},
	{"down", "Roll back the newest schema version"},
	{"status", "List applied and pending schema versions"},
	{"version", "Print the current schema version"},
	{"counts", "Print row counts: sources (active/removed), fingerprints (delivered), window vectors"},
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/digest.db"), "path to the sqlite fingerprint store")
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open fingerprint store: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := run(db, args[0], os.Stdout); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: migrate [-db path] <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s  %s\n", c.name, c.help)
	}
}

func run(db *sql.DB, cmd string, out io.Writer) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	switch cmd {
	case "up":
		return goose.Up(db, ".")
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	case "counts":
		return printCounts(db, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printCounts(db *sql.DB, out io.Writer) error {
	var active, removed, fingerprints, delivered, vectors int
	err := db.QueryRow(
		`SELECT
		   (SELECT COUNT(*) FROM sources WHERE active = 1),
		   (SELECT COUNT(*) FROM sources WHERE active = 0),
		   (SELECT COUNT(*) FROM fingerprints),
		   (SELECT COUNT(*) FROM fingerprints WHERE delivered_message_id IS NOT NULL),
		   (SELECT COUNT(*) FROM vectors)`,
	).Scan(&active, &removed, &fingerprints, &delivered, &vectors)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	fmt.Fprintf(out, "sources: %d active, %d removed\n", active, removed)
	fmt.Fprintf(out, "fingerprints: %d (%d delivered)\n", fingerprints, delivered)
	fmt.Fprintf(out, "vectors: %d\n", vectors)
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
