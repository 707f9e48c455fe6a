package statecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"gpunode/models"
)

const singletonID = 1

// NodeStateRecord is the single persisted node state row.
type NodeStateRecord struct {
	ID          uint `gorm:"primaryKey"`
	Status      string
	Message     string
	InitMessage string
	UpdatedAt   time.Time
}

func (NodeStateRecord) TableName() string { return "node_state" }

// TxStateRecord is the single persisted transaction state row.
type TxStateRecord struct {
	ID        uint `gorm:"primaryKey"`
	Status    string
	Message   string
	UpdatedAt time.Time
}

func (TxStateRecord) TableName() string { return "tx_state" }

// NodeScoreStateRecord is the single persisted score row.
type NodeScoreStateRecord struct {
	ID           uint `gorm:"primaryKey"`
	QOSScore     float64
	StakingScore float64
	ProbWeight   float64
	UpdatedAt    time.Time
}

func (NodeScoreStateRecord) TableName() string { return "node_score_state" }

// Open connects to the configured database driver. Supported drivers are
// "sqlite" and "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	single := false
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
		single = true
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("statecache: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("statecache: open %s: %w", driver, err)
	}
	if single {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("statecache: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate creates the state tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&NodeStateRecord{}, &TxStateRecord{}, &NodeScoreStateRecord{})
}

// NewDB migrates db and returns a cache persisted in it.
func NewDB(db *gorm.DB) (*ManagerStateCache, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("statecache: migrate: %w", err)
	}
	return New(
		&dbStore[models.NodeState, NodeStateRecord]{
			db:       db,
			fallback: DefaultNodeState,
			decode: func(r NodeStateRecord) models.NodeState {
				return models.NodeState{Status: models.NodeStatus(r.Status), Message: r.Message, InitMessage: r.InitMessage}
			},
			encode: func(s models.NodeState) NodeStateRecord {
				return NodeStateRecord{ID: singletonID, Status: string(s.Status), Message: s.Message, InitMessage: s.InitMessage}
			},
		},
		&dbStore[models.TxState, TxStateRecord]{
			db:       db,
			fallback: DefaultTxState,
			decode: func(r TxStateRecord) models.TxState {
				return models.TxState{Status: models.TxStatus(r.Status), Message: r.Message}
			},
			encode: func(s models.TxState) TxStateRecord {
				return TxStateRecord{ID: singletonID, Status: string(s.Status), Message: s.Message}
			},
		},
		&dbStore[models.NodeScoreState, NodeScoreStateRecord]{
			db:       db,
			fallback: DefaultNodeScoreState,
			decode: func(r NodeScoreStateRecord) models.NodeScoreState {
				return models.NodeScoreState{QOSScore: r.QOSScore, StakingScore: r.StakingScore, ProbWeight: r.ProbWeight}
			},
			encode: func(s models.NodeScoreState) NodeScoreStateRecord {
				return NodeScoreStateRecord{ID: singletonID, QOSScore: s.QOSScore, StakingScore: s.StakingScore, ProbWeight: s.ProbWeight}
			},
		},
	), nil
}

// dbStore persists T as the row with id 1 of R's table.
type dbStore[T any, R any] struct {
	mu       sync.Mutex
	db       *gorm.DB
	fallback func() T
	decode   func(R) T
	encode   func(T) R
}

func (s *dbStore[T, R]) Get(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []R
	if err := s.db.WithContext(ctx).Where("id = ?", singletonID).Limit(1).Find(&rows).Error; err != nil {
		var zero T
		return zero, fmt.Errorf("statecache: load: %w", err)
	}
	if len(rows) == 0 {
		return s.fallback(), nil
	}
	return s.decode(rows[0]), nil
}

func (s *dbStore[T, R]) Set(ctx context.Context, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.encode(value)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("statecache: store: %w", err)
	}
	return nil
}
