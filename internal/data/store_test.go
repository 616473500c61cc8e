package data

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Creates a database for testing. This only uses the SQLite engine and
// creates a new database on every invocation since it is relatively cheap
// to do so.
func setUpDatabase(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(testDBFile))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}

	if err = db.AutoMigrate(&PlayerState{}, &VisitedServer{}); err != nil {
		t.Fatalf("error auto migrating db: %s", err)
	}
	return db
}

func TestFindPlayerStateMissing(t *testing.T) {
	db := setUpDatabase(t)

	state, err := FindPlayerState(db, uuid.New())
	if err != nil {
		t.Fatalf("FindPlayerState() error = %s", err)
	}
	if state != nil {
		t.Errorf("expected nil state for unknown player, got %+v", state)
	}
}

func TestUpsertLastServer(t *testing.T) {
	db := setUpDatabase(t)
	playerID := uuid.New()

	if err := UpsertLastServer(db, playerID, "survival"); err != nil {
		t.Fatalf("UpsertLastServer() error = %s", err)
	}
	if err := UpsertLastServer(db, playerID, "hardcore"); err != nil {
		t.Fatalf("UpsertLastServer() second write error = %s", err)
	}

	state, err := FindPlayerState(db, playerID)
	if err != nil {
		t.Fatalf("FindPlayerState() error = %s", err)
	}
	if state == nil || state.LastServer != "hardcore" {
		t.Errorf("expected last server hardcore, got %+v", state)
	}
}

func TestLastListedServerDoesNotClobberLastServer(t *testing.T) {
	db := setUpDatabase(t)
	playerID := uuid.New()

	if err := UpsertLastServer(db, playerID, "survival"); err != nil {
		t.Fatalf("UpsertLastServer() error = %s", err)
	}
	if err := UpsertLastListedServer(db, playerID, "creative"); err != nil {
		t.Fatalf("UpsertLastListedServer() error = %s", err)
	}

	state, err := FindPlayerState(db, playerID)
	if err != nil {
		t.Fatalf("FindPlayerState() error = %s", err)
	}
	if state == nil || state.LastServer != "survival" || state.LastListedServer != "creative" {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestAddVisitedServerIsIdempotent(t *testing.T) {
	db := setUpDatabase(t)
	playerID := uuid.New()

	for i := 0; i < 3; i++ {
		if err := AddVisitedServer(db, playerID, "survival"); err != nil {
			t.Fatalf("AddVisitedServer() error = %s", err)
		}
	}
	if err := AddVisitedServer(db, playerID, "creative"); err != nil {
		t.Fatalf("AddVisitedServer() error = %s", err)
	}

	visited, err := VisitedServers(db, playerID)
	if err != nil {
		t.Fatalf("VisitedServers() error = %s", err)
	}
	if len(visited) != 2 || !visited["survival"] || !visited["creative"] {
		t.Errorf("unexpected visited set %v", visited)
	}
}

func TestVisitedServersAreScopedPerPlayer(t *testing.T) {
	db := setUpDatabase(t)
	first, second := uuid.New(), uuid.New()

	if err := AddVisitedServer(db, first, "survival"); err != nil {
		t.Fatalf("AddVisitedServer() error = %s", err)
	}

	visited, err := VisitedServers(db, second)
	if err != nil {
		t.Fatalf("VisitedServers() error = %s", err)
	}
	if len(visited) != 0 {
		t.Errorf("expected empty set for the other player, got %v", visited)
	}
}

func TestPurgeHoldingServer(t *testing.T) {
	db := setUpDatabase(t)
	playerID := uuid.New()

	if err := UpsertLastServer(db, playerID, "lobby"); err != nil {
		t.Fatalf("UpsertLastServer() error = %s", err)
	}
	if err := AddVisitedServer(db, playerID, "lobby"); err != nil {
		t.Fatalf("AddVisitedServer() error = %s", err)
	}
	if err := AddVisitedServer(db, playerID, "survival"); err != nil {
		t.Fatalf("AddVisitedServer() error = %s", err)
	}

	if err := PurgeHoldingServer(db, "lobby"); err != nil {
		t.Fatalf("PurgeHoldingServer() error = %s", err)
	}

	state, err := FindPlayerState(db, playerID)
	if err != nil {
		t.Fatalf("FindPlayerState() error = %s", err)
	}
	if state == nil || state.LastServer != "" {
		t.Errorf("expected last server cleared, got %+v", state)
	}

	visited, err := VisitedServers(db, playerID)
	if err != nil {
		t.Fatalf("VisitedServers() error = %s", err)
	}
	if visited["lobby"] || !visited["survival"] {
		t.Errorf("expected only survival to survive the purge, got %v", visited)
	}
}
