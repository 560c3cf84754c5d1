package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

// sessionRow is the gorm mapping of a conversation session.
type sessionRow struct {
	UserID         string    `gorm:"primaryKey;column:user_id"`
	ConversationID string    `gorm:"column:conversation_id;not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	LastActiveAt   time.Time `gorm:"column:last_active_at;not null;index"`
}

func (sessionRow) TableName() string { return "conversation_sessions" }

func toRow(s *model.ConversationSession) *sessionRow {
	return &sessionRow{
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		CreatedAt:      s.CreatedAt.UTC(),
		LastActiveAt:   s.LastActiveAt.UTC(),
	}
}

func (r *sessionRow) toModel() *model.ConversationSession {
	return &model.ConversationSession{
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		CreatedAt:      r.CreatedAt,
		LastActiveAt:   r.LastActiveAt,
	}
}

// PostgresStore keeps sessions in PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn, configures the pool and migrates the schema.
func NewPostgresStore(dsn string, log *logger.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sessions table: %w", err)
	}

	log.Info("postgres session store initialized")

	return newPostgresStore(db), nil
}

func newPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the session for userID.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*model.ConversationSession, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return row.toModel(), nil
}

// Upsert writes the session row.
func (s *PostgresStore) Upsert(ctx context.Context, session *model.ConversationSession) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"conversation_id", "last_active_at"}),
	}).Create(toRow(session)).Error
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Expire clears the conversation id of the user's session.
func (s *PostgresStore) Expire(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("user_id = ?", userID).
		Update("conversation_id", "")
	if res.Error != nil {
		return fmt.Errorf("failed to expire session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
