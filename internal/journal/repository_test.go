package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/journal"

	_ "github.com/nerrad567/gray-logic-ble/migrations"
)

// openTestRepo opens a fresh database with the real migrations applied.
func openTestRepo(t *testing.T) *journal.Repository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return journal.NewRepository(db.DB)
}

func TestRecordAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	events := []journal.Entry{
		{Device: "kettle_ddeef0", Address: "aa:bb:cc:dd:ee:f0", Event: "online", RSSI: -62},
		{Device: "kettle_ddeef0", Address: "aa:bb:cc:dd:ee:f0", Event: "offline", Detail: "link dropped"},
		{Device: "cover_112233", Address: "11:22:33:44:55:66", Event: "online"},
	}
	for _, ev := range events {
		if err := repo.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%s) error = %v", ev.Event, err)
		}
	}

	result, err := repo.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}
	if len(result.Entries) != 3 {
		t.Fatalf("len(Entries) = %d, want 3", len(result.Entries))
	}

	// Most recent first.
	if result.Entries[0].Device != "cover_112233" {
		t.Errorf("Entries[0].Device = %q, want cover_112233", result.Entries[0].Device)
	}

	// Nullable columns round-trip.
	for _, entry := range result.Entries {
		if entry.Device == "kettle_ddeef0" && entry.Event == "online" {
			if entry.RSSI != -62 {
				t.Errorf("RSSI = %d, want -62", entry.RSSI)
			}
		}
		if entry.Event == "offline" && entry.Detail != "link dropped" {
			t.Errorf("Detail = %q, want %q", entry.Detail, "link dropped")
		}
		if entry.CreatedAt.IsZero() {
			t.Error("CreatedAt should be populated")
		}
	}
}

func TestListFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []journal.Entry{
		{Device: "a", Address: "aa:00:00:00:00:01", Event: "online", CreatedAt: base},
		{Device: "a", Address: "aa:00:00:00:00:01", Event: "offline", CreatedAt: base.Add(time.Minute)},
		{Device: "b", Address: "aa:00:00:00:00:02", Event: "online", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, ev := range entries {
		if err := repo.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter journal.Filter
		want   int
	}{
		{"by device", journal.Filter{Device: "a"}, 2},
		{"by event", journal.Filter{Event: "online"}, 2},
		{"device and event", journal.Filter{Device: "a", Event: "online"}, 1},
		{"since cutoff", journal.Filter{Since: base.Add(time.Minute)}, 2},
		{"no match", journal.Filter{Device: "c"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.want {
				t.Errorf("Total = %d, want %d", result.Total, tt.want)
			}
		})
	}
}

func TestListPagination(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := repo.Record(ctx, journal.Entry{
			Device:    "a",
			Address:   "aa:00:00:00:00:01",
			Event:     "online",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	result, err := repo.List(ctx, journal.Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 5 {
		t.Errorf("Total = %d, want 5", result.Total)
	}
	if len(result.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(result.Entries))
	}
	if result.Limit != 2 || result.Offset != 2 {
		t.Errorf("Limit/Offset = %d/%d, want 2/2", result.Limit, result.Offset)
	}
}

func TestPrune(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	old := journal.Entry{Device: "a", Address: "aa:00:00:00:00:01", Event: "online", CreatedAt: base}
	fresh := journal.Entry{Device: "a", Address: "aa:00:00:00:00:01", Event: "offline", CreatedAt: base.Add(48 * time.Hour)}
	for _, ev := range []journal.Entry{old, fresh} {
		if err := repo.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	deleted, err := repo.Prune(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() deleted = %d, want 1", deleted)
	}

	result, err := repo.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 {
		t.Errorf("Total after prune = %d, want 1", result.Total)
	}
	if result.Entries[0].Event != "offline" {
		t.Errorf("surviving event = %q, want offline", result.Entries[0].Event)
	}
}
