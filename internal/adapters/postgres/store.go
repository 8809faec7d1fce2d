// Package postgres is the durable room tier on gorm.
package postgres

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

type Store struct {
	db *gorm.DB
}

var _ core.RoomStore = (*Store)(nil)

// GormConfig silences gorm's logger, failures are logged by the callers with
// context, and turns driver errors into gorm's portable ones.
func GormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true}
}

func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), GormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return db, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the rooms and participants tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&roomModel{}, &participantModel{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	log.Info().Str("module", "postgres").Msg("schema migrated")
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, room *domain.Room) error {
	room.Version = 1
	m := fromRoom(room)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		return upsertParticipants(tx, room)
	})
	if err != nil {
		room.Version = 0
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &domain.OpError{Kind: domain.ErrConflict, Op: "create room", Err: err}
		}
		return errors.Wrap(err, "insert room")
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var m roomModel
	db := s.db.WithContext(ctx)
	if err := db.First(&m, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "select room")
	}
	var parts []participantModel
	if err := db.Where("room_id = ? AND active = ?", string(id), true).Find(&parts).Error; err != nil {
		return nil, errors.Wrap(err, "select participants")
	}
	return m.toDomain(parts), nil
}

// SaveRoom writes the room when its version still matches, then syncs the
// participant rows: present ones are upserted, departed ones deactivated.
func (s *Store) SaveRoom(ctx context.Context, room *domain.Room) error {
	m := fromRoom(room)
	m.Version = room.Version + 1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomModel{}).
			Where("id = ? AND version = ?", m.ID, room.Version).
			Select("*").Omit("id", "created_at").
			Updates(&m)
		if res.Error != nil {
			return errors.Wrap(res.Error, "update room")
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&roomModel{}).Where("id = ?", m.ID).Count(&n).Error; err != nil {
				return errors.Wrap(err, "count room")
			}
			if n == 0 {
				return domain.ErrRoomNotFound
			}
			return &domain.OpError{Kind: domain.ErrConflict, Op: "save room"}
		}
		if err := deactivateDeparted(tx, room); err != nil {
			return err
		}
		return upsertParticipants(tx, room)
	})
	if err != nil {
		return err
	}
	room.Version = m.Version
	return nil
}

func upsertParticipants(tx *gorm.DB, room *domain.Room) error {
	if len(room.Participants) == 0 {
		return nil
	}
	rows := make([]participantModel, 0, len(room.Participants))
	for _, p := range room.Participants {
		rows = append(rows, fromParticipant(p))
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
	return errors.Wrap(err, "upsert participants")
}

func deactivateDeparted(tx *gorm.DB, room *domain.Room) error {
	present := make([]string, 0, len(room.Participants))
	for uid := range room.Participants {
		present = append(present, string(uid))
	}
	q := tx.Model(&participantModel{}).Where("room_id = ? AND active = ?", string(room.ID), true)
	if len(present) > 0 {
		q = q.Where("user_id NOT IN ?", present)
	}
	left := room.UpdatedAt
	if left.IsZero() {
		left = time.Now().UTC()
	}
	err := q.Updates(map[string]any{
		"active":  false,
		"status":  string(domain.Disconnected),
		"left_at": gorm.Expr("COALESCE(left_at, ?)", left),
	}).Error
	return errors.Wrap(err, "deactivate participants")
}

func (s *Store) ListRoomsByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error) {
	var ms []roomModel
	db := s.db.WithContext(ctx)
	if err := db.Where("instructor_id = ?", string(instructor)).Order("scheduled_at").Find(&ms).Error; err != nil {
		return nil, errors.Wrap(err, "select rooms by instructor")
	}
	if len(ms) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	var parts []participantModel
	if err := db.Where("room_id IN ? AND active = ?", ids, true).Find(&parts).Error; err != nil {
		return nil, errors.Wrap(err, "select participants")
	}
	byRoom := make(map[string][]participantModel, len(ms))
	for _, p := range parts {
		byRoom[p.RoomID] = append(byRoom[p.RoomID], p)
	}
	out := make([]*domain.Room, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain(byRoom[m.ID]))
	}
	return out, nil
}

// ListParticipationsByUser includes past attendance.
func (s *Store) ListParticipationsByUser(ctx context.Context, user domain.UserID) ([]*domain.Participant, error) {
	var parts []participantModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", string(user)).Order("joined_at").Find(&parts).Error; err != nil {
		return nil, errors.Wrap(err, "select participations")
	}
	out := make([]*domain.Participant, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.toDomain())
	}
	return out, nil
}
