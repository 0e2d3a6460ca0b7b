package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite    = "sqlite"
	dbTypePostgres  = "postgres"
	dbTypeSurrealDB = "surrealdb"
	dbTypeMemory    = "memory"

	guildPolicyTable = "scene_guilds"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// GuildPolicyDocument is the stored form of a GuildPolicy. Field names
// match documents written by earlier versions of the bot.
type GuildPolicyDocument struct {
	GuildID             uint64 `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	AutoMagnitudeEnable bool   `gorm:"not null" json:"auto_magnitude_enable"`
	AutoMagnitudeConfig string `gorm:"not null" json:"auto_magnitude_config"`
	AutoTransferWebP    bool   `gorm:"column:auto_transfer_webp;not null" json:"auto_transfer_webp"`
	CreatedAt           int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt           int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (GuildPolicyDocument) TableName() string {
	return guildPolicyTable
}

// Policy converts the document to a GuildPolicy. An unrecognized size
// tier is read as SizeTierAuto.
func (d GuildPolicyDocument) Policy() GuildPolicy {
	return GuildPolicy{
		GuildID:                 d.GuildID,
		AutoResizeEnabled:       d.AutoMagnitudeEnable,
		DefaultSizeTier:         SizeTierFromID(d.AutoMagnitudeConfig),
		AutoWebPTransferEnabled: d.AutoTransferWebP,
	}
}

// PolicyDocumentStore persists GuildPolicyDocument records by guild ID.
// Get returns ErrPolicyDocumentNotFound for unknown guilds.
type PolicyDocumentStore interface {
	Get(ctx context.Context, guildID uint64) (GuildPolicyDocument, error)
	Upsert(ctx context.Context, doc GuildPolicyDocument) error
	Delete(ctx context.Context, guildID uint64) error
	Close(ctx context.Context) error
}

// DocumentCounter is implemented by PolicyDocumentStore backends which
// can report how many documents they hold
type DocumentCounter interface {
	Count(ctx context.Context) (int64, error)
}

// gormDocumentStore is a PolicyDocumentStore for sqlite and postgres
type gormDocumentStore struct {
	db *gorm.DB
	// mu serializes writes, for sqlite
	mu                     sync.Mutex
	enableConcurrentWrites bool
	logger                 *slog.Logger
}

func newGormDocumentStore(
	db *gorm.DB,
	logger *slog.Logger,
	enableConcurrentWrites bool,
) *gormDocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormDocumentStore{
		db:                     db,
		enableConcurrentWrites: enableConcurrentWrites,
		logger:                 logger.With(loggerNameKey, "database"),
	}
}

func (d *gormDocumentStore) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *gormDocumentStore) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *gormDocumentStore) Get(ctx context.Context, guildID uint64) (
	GuildPolicyDocument,
	error,
) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var doc GuildPolicyDocument
	err := d.db.WithContext(ctx).Take(&doc, "guild_id = ?", guildID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return GuildPolicyDocument{}, ErrPolicyDocumentNotFound
	case err != nil:
		return GuildPolicyDocument{}, err
	}
	return doc, nil
}

func (d *gormDocumentStore) Upsert(ctx context.Context, doc GuildPolicyDocument) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	d.lock()
	defer d.unlock()
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					"auto_magnitude_enable",
					"auto_magnitude_config",
					"auto_transfer_webp",
					"updated_at",
				},
			),
		},
	).Create(&doc).Error
}

func (d *gormDocumentStore) Delete(ctx context.Context, guildID uint64) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	d.lock()
	defer d.unlock()
	rv := d.db.WithContext(ctx).Delete(&GuildPolicyDocument{}, "guild_id = ?", guildID)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrPolicyDocumentNotFound
	}
	return nil
}

// Count returns the number of stored documents
func (d *gormDocumentStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	var n int64
	err := d.db.WithContext(ctx).Model(&GuildPolicyDocument{}).Count(&n).Error
	return n, err
}

func (d *gormDocumentStore) Close(_ context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// memoryDocumentStore is a PolicyDocumentStore which doesn't persist
// anything beyond the life of the process
type memoryDocumentStore struct {
	mu   sync.Mutex
	docs map[uint64]GuildPolicyDocument
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{docs: map[uint64]GuildPolicyDocument{}}
}

func (m *memoryDocumentStore) Get(_ context.Context, guildID uint64) (
	GuildPolicyDocument,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[guildID]
	if !ok {
		return GuildPolicyDocument{}, ErrPolicyDocumentNotFound
	}
	return doc, nil
}

func (m *memoryDocumentStore) Upsert(_ context.Context, doc GuildPolicyDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	if existing, ok := m.docs[doc.GuildID]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[doc.GuildID] = doc
	return nil
}

func (m *memoryDocumentStore) Delete(_ context.Context, guildID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[guildID]; !ok {
		return ErrPolicyDocumentNotFound
	}
	delete(m.docs, guildID)
	return nil
}

func (m *memoryDocumentStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.docs)), nil
}

func (m *memoryDocumentStore) Close(_ context.Context) error {
	return nil
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateDB opens the database and migrates the guild policy table
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return nil, err
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&GuildPolicyDocument{}); err != nil {
		txn.Rollback()
		return nil, err
	}
	if err = txn.Commit().Error; err != nil {
		return nil, err
	}
	return db, nil
}

// configureDB sets connection limits and pragmas for sqlite
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// getDB opens a gorm connection.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// OpenDocumentStore returns the PolicyDocumentStore for the configured
// database type, creating and migrating gorm databases as needed
func OpenDocumentStore(
	ctx context.Context,
	config *Config,
	handler slog.Handler,
) (PolicyDocumentStore, error) {
	logger := slog.New(handler)
	switch config.DatabaseType {
	case dbTypeMemory:
		return newMemoryDocumentStore(), nil
	case dbTypeSurrealDB:
		if config.SurrealDB == nil {
			return nil, errors.New("surrealdb configuration required")
		}
		return newSurrealDocumentStore(ctx, *config.SurrealDB, logger)
	default:
		db, err := CreateDB(
			ctx,
			config.DatabaseType,
			config.Database,
			handler,
			config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, err
		}
		return newGormDocumentStore(
			db,
			logger,
			config.DatabaseType != dbTypeSQLite,
		), nil
	}
}
