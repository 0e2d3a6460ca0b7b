package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

const (
	surrealSelectPolicy = "SELECT guild_id, auto_magnitude_enable, auto_magnitude_config, " +
		"auto_transfer_webp, created_at, updated_at FROM type::thing($tb, $id)"
	surrealUpsertPolicy = "UPSERT type::thing($tb, $id) CONTENT $doc"
	surrealDeletePolicy = "DELETE type::thing($tb, $id) RETURN BEFORE"
)

var errSurrealQuery = errors.New("surrealdb query failed")

// surrealDocumentStore is a PolicyDocumentStore backed by SurrealDB.
// Records are keyed by the guild ID in the scene_guilds table.
type surrealDocumentStore struct {
	db     *surrealdb.DB
	logger *slog.Logger
}

func newSurrealDocumentStore(
	ctx context.Context,
	config SurrealDBConfig,
	logger *slog.Logger,
) (*surrealDocumentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "surrealdb")

	db, err := surrealdb.FromEndpointURLString(ctx, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}
	if config.Username != "" {
		if _, err = db.SignIn(
			ctx, &surrealdb.Auth{
				Username: config.Username,
				Password: config.Password,
			},
		); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("surrealdb signin failed: %w", err)
		}
	}
	if err = db.Use(ctx, config.Namespace, config.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("surrealdb use failed: %w", err)
	}
	logger.InfoContext(
		ctx,
		"connected to surrealdb",
		"endpoint", config.Endpoint,
		"namespace", config.Namespace,
		"database", config.Database,
	)
	return &surrealDocumentStore{db: db, logger: logger}, nil
}

func surrealRecordVars(guildID uint64) map[string]any {
	return map[string]any{
		"tb": guildPolicyTable,
		"id": strconv.FormatUint(guildID, 10),
	}
}

func (s *surrealDocumentStore) Get(ctx context.Context, guildID uint64) (
	GuildPolicyDocument,
	error,
) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	results, err := surrealdb.Query[[]GuildPolicyDocument](
		ctx,
		s.db,
		surrealSelectPolicy,
		surrealRecordVars(guildID),
	)
	if err != nil {
		return GuildPolicyDocument{}, fmt.Errorf("%w: %w", errSurrealQuery, err)
	}
	if results == nil || len(*results) == 0 {
		return GuildPolicyDocument{}, ErrPolicyDocumentNotFound
	}
	res := (*results)[0]
	if res.Status != "OK" {
		if res.Error != nil {
			return GuildPolicyDocument{}, fmt.Errorf("%w: %s", errSurrealQuery, res.Error.Message)
		}
		return GuildPolicyDocument{}, errSurrealQuery
	}
	if len(res.Result) == 0 {
		return GuildPolicyDocument{}, ErrPolicyDocumentNotFound
	}
	doc := res.Result[0]
	doc.GuildID = guildID
	return doc, nil
}

func (s *surrealDocumentStore) Upsert(ctx context.Context, doc GuildPolicyDocument) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	now := time.Now().UnixMilli()
	if doc.CreatedAt == 0 {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	vars := surrealRecordVars(doc.GuildID)
	vars["doc"] = doc
	return s.exec(ctx, surrealUpsertPolicy, vars)
}

func (s *surrealDocumentStore) Delete(ctx context.Context, guildID uint64) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	results, err := surrealdb.Query[[]GuildPolicyDocument](
		ctx,
		s.db,
		surrealDeletePolicy,
		surrealRecordVars(guildID),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", errSurrealQuery, err)
	}
	if results == nil || len(*results) == 0 {
		return ErrPolicyDocumentNotFound
	}
	res := (*results)[0]
	if res.Status != "OK" {
		if res.Error != nil {
			return fmt.Errorf("%w: %s", errSurrealQuery, res.Error.Message)
		}
		return errSurrealQuery
	}
	if len(res.Result) == 0 {
		return ErrPolicyDocumentNotFound
	}
	return nil
}

func (s *surrealDocumentStore) exec(ctx context.Context, query string, vars map[string]any) error {
	results, err := surrealdb.Query[any](ctx, s.db, query, vars)
	if err != nil {
		return fmt.Errorf("%w: %w", errSurrealQuery, err)
	}
	if results == nil {
		return nil
	}
	for _, r := range *results {
		if r.Status != "OK" {
			if r.Error != nil {
				return fmt.Errorf("%w: %s", errSurrealQuery, r.Error.Message)
			}
			return errSurrealQuery
		}
	}
	return nil
}

func (s *surrealDocumentStore) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}
