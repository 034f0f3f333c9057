package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/postgres"
)

// catalogSchema is applied by NewPGCatalog.
var catalogSchema = []string{
	`CREATE TABLE IF NOT EXISTS index_backups (
	    name            TEXT        NOT NULL,
	    index_name      TEXT        NOT NULL,
	    generation      BIGINT      NOT NULL,
	    files           INTEGER     NOT NULL,
	    bytes           BIGINT      NOT NULL,
	    master_identity TEXT        NOT NULL DEFAULT '',
	    user_data       JSONB,
	    created_at      TIMESTAMPTZ NOT NULL,
	    PRIMARY KEY (name, index_name)
	)`,
	`CREATE INDEX IF NOT EXISTS index_backups_created_at ON index_backups (created_at DESC)`,
}

// PGCatalog records backups in PostgreSQL so operators can query them
// without walking the backup root.
type PGCatalog struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPGCatalog(ctx context.Context, db *postgres.Client) (*PGCatalog, error) {
	if err := db.Migrate(ctx, catalogSchema...); err != nil {
		return nil, fmt.Errorf("migrating backup catalog: %w", err)
	}
	return &PGCatalog{
		db:     db,
		logger: slog.Default().With("component", "backup-catalog"),
	}, nil
}

func (c *PGCatalog) Record(ctx context.Context, st Status) error {
	userData, err := json.Marshal(st.UserData)
	if err != nil {
		return fmt.Errorf("marshaling user data: %w", err)
	}
	_, err = c.db.DB.ExecContext(ctx,
		`INSERT INTO index_backups
		    (name, index_name, generation, files, bytes, master_identity, user_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name, index_name) DO UPDATE SET
		    generation = EXCLUDED.generation,
		    files = EXCLUDED.files,
		    bytes = EXCLUDED.bytes,
		    master_identity = EXCLUDED.master_identity,
		    user_data = EXCLUDED.user_data,
		    created_at = EXCLUDED.created_at`,
		st.Name, st.Index, st.Generation, len(st.Files), st.Bytes, st.MasterIdentity, userData, st.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording backup %s of %s: %w", st.Name, st.Index, err)
	}
	c.logger.Debug("backup recorded", "backup", st.Name, "index", st.Index, "generation", st.Generation)
	return nil
}

func (c *PGCatalog) Forget(ctx context.Context, name, index string) error {
	_, err := c.db.DB.ExecContext(ctx,
		`DELETE FROM index_backups WHERE name = $1 AND index_name = $2`, name, index)
	if err != nil {
		return fmt.Errorf("forgetting backup %s of %s: %w", name, index, err)
	}
	return nil
}

func (c *PGCatalog) Ping(ctx context.Context) error {
	return c.db.Ping(ctx)
}

var _ Catalog = (*PGCatalog)(nil)
