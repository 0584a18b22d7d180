package eventstore

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/convoyai/convoy/pkg/models"
)

func sampleLog(n int) []models.Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]models.Event, n)
	for i := range out {
		e := models.NewEvent(models.EventLog, models.LogData{Message: "entry"})
		e.EventIndex = i
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		out[i] = e
	}
	return out
}

// storeUnderTest runs the Store contract against any implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown conversation loads empty", func(t *testing.T) {
		events, err := store.Load(ctx, "missing")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("events = %d, want 0", len(events))
		}
	})

	t.Run("round trip", func(t *testing.T) {
		saved := sampleLog(3)
		saved[1].IdempotencyKey = "k1"
		saved[2].TriggerLLMRequest = true
		if err := store.Save(ctx, "conv-a", saved); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load(ctx, "conv-a")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(loaded) != len(saved) {
			t.Fatalf("loaded %d events, want %d", len(loaded), len(saved))
		}
		for i := range saved {
			if loaded[i].EventIndex != i {
				t.Errorf("event %d index = %d", i, loaded[i].EventIndex)
			}
			if loaded[i].Type != saved[i].Type {
				t.Errorf("event %d type = %q", i, loaded[i].Type)
			}
			if !loaded[i].CreatedAt.Equal(saved[i].CreatedAt) {
				t.Errorf("event %d createdAt = %v, want %v", i, loaded[i].CreatedAt, saved[i].CreatedAt)
			}
		}
		if loaded[1].IdempotencyKey != "k1" {
			t.Errorf("idempotency key lost: %+v", loaded[1])
		}
		if !loaded[2].TriggerLLMRequest {
			t.Error("trigger flag lost")
		}
	})

	t.Run("save replaces the whole log", func(t *testing.T) {
		if err := store.Save(ctx, "conv-b", sampleLog(5)); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := store.Save(ctx, "conv-b", sampleLog(2)); err != nil {
			t.Fatalf("second Save: %v", err)
		}
		loaded, err := store.Load(ctx, "conv-b")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(loaded) != 2 {
			t.Errorf("loaded %d events after shrink, want 2", len(loaded))
		}
	})

	t.Run("conversations listed sorted", func(t *testing.T) {
		ids, err := store.Conversations(ctx)
		if err != nil {
			t.Fatalf("Conversations: %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"conv-a", "conv-b"}) {
			t.Errorf("ids = %v, want [conv-a conv-b]", ids)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	storeUnderTest(t, store)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	saved := sampleLog(1)
	if err := store.Save(ctx, "c", saved); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Mutating the caller's slice or a loaded copy must not leak into the
	// stored log.
	saved[0].Type = "MUTATED"
	first, _ := store.Load(ctx, "c")
	first[0].Type = "ALSO_MUTATED"

	second, _ := store.Load(ctx, "c")
	if second[0].Type != models.EventLog {
		t.Errorf("stored event aliased by callers: %q", second[0].Type)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "events.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	storeUnderTest(t, store)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Save(ctx, "persistent", sampleLog(4)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "persistent")
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if len(loaded) != 4 {
		t.Errorf("loaded %d events after reopen, want 4", len(loaded))
	}
}
