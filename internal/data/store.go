package data

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlayerState records where a player was last seen. LastListedServer only
// tracks servers appearing in the configured return order.
type PlayerState struct {
	PlayerID         string `gorm:"primaryKey"`
	LastServer       string
	LastListedServer string
	UpdatedAt        time.Time
}

// VisitedServer marks that a player has been on a server at least once.
type VisitedServer struct {
	ID       uint   `gorm:"primaryKey"`
	PlayerID string `gorm:"uniqueIndex:idx_visited_player_server"`
	Server   string `gorm:"uniqueIndex:idx_visited_player_server"`
}

// FindPlayerState returns the player's state record, or nil if there is no
// match.
func FindPlayerState(db *gorm.DB, playerID uuid.UUID) (*PlayerState, error) {
	var state PlayerState
	err := db.Where("player_id = ?", playerID.String()).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// UpsertLastServer records the server a player most recently landed on.
func UpsertLastServer(db *gorm.DB, playerID uuid.UUID, server string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_server", "updated_at"}),
	}).Create(&PlayerState{
		PlayerID:   playerID.String(),
		LastServer: server,
		UpdatedAt:  time.Now(),
	}).Error
}

// UpsertLastListedServer records the most recent server from the return
// order the player landed on.
func UpsertLastListedServer(db *gorm.DB, playerID uuid.UUID, server string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_listed_server", "updated_at"}),
	}).Create(&PlayerState{
		PlayerID:         playerID.String(),
		LastListedServer: server,
		UpdatedAt:        time.Now(),
	}).Error
}

// AddVisitedServer marks server as visited by the player. Repeat visits are
// a no-op.
func AddVisitedServer(db *gorm.DB, playerID uuid.UUID, server string) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&VisitedServer{
		PlayerID: playerID.String(),
		Server:   server,
	}).Error
}

// VisitedServers returns the set of servers the player has been on.
func VisitedServers(db *gorm.DB, playerID uuid.UUID) (map[string]bool, error) {
	var rows []VisitedServer
	if err := db.Where("player_id = ?", playerID.String()).Find(&rows).Error; err != nil {
		return nil, err
	}
	visited := make(map[string]bool, len(rows))
	for _, row := range rows {
		visited[row.Server] = true
	}
	return visited, nil
}

// PurgeHoldingServer removes the holding server from every player's
// last-server and visited records. Players should never be considered to
// "prefer" the holding server after a restart.
func PurgeHoldingServer(db *gorm.DB, holding string) error {
	if err := db.Model(&PlayerState{}).
		Where("last_server = ?", holding).
		Update("last_server", "").Error; err != nil {
		return err
	}
	return db.Where("server = ?", holding).Delete(&VisitedServer{}).Error
}
