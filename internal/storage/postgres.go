// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store
// interface. This implementation is intended for production use with
// persistent mock record storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for mock records in the
// service_virtualisation table.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// sourcelessLiterals is the SQL-side mirror of the sourceless sentinel set.
// ListAll(liveOnly) filters against it with a case-insensitive comparison.
var sourcelessLiterals = []string{"not applicable", "na", "n/a"}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates the service_virtualisation table if it doesn't already exist.
// This function is called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Mock records: one row per published mock, keyed by routing path.
		-- response is TEXT, not json: captured payloads from non-JSON
		-- upstreams are stored verbatim.
		CREATE TABLE IF NOT EXISTS service_virtualisation (
		    id SERIAL PRIMARY KEY,
		    name VARCHAR(255) NOT NULL,
		    description TEXT,
		    original_url TEXT NOT NULL,
		    operation VARCHAR(50),
		    routing_url TEXT NOT NULL,
		    headers TEXT,
		    parameters TEXT,
		    response TEXT,
		    api_details TEXT,
		    lob VARCHAR(100),
		    environment VARCHAR(50),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Listing and routing lookups both order by creation time
		CREATE INDEX IF NOT EXISTS idx_service_virtualisation_created_at
		    ON service_virtualisation(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_service_virtualisation_routing_url
		    ON service_virtualisation(routing_url);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// wrapStoreErr maps low-level pgx failures onto the storage sentinels.
// Connection-level failures and timeouts surface as ErrUnavailable so callers
// can distinguish "store down" from a query-level error.
func wrapStoreErr(op string, err error) error {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %s: %w", op, pgErr.Code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// recordColumns is the canonical select list shared by every read query.
const recordColumns = `id, name, COALESCE(description, ''), original_url, COALESCE(operation, 'GET'),
	routing_url, COALESCE(headers, '{}'), COALESCE(parameters, '{}'), response,
	COALESCE(api_details, ''), COALESCE(lob, ''), COALESCE(environment, ''), created_at, updated_at`

// scanRecord populates a MockRecord from a row produced with recordColumns.
func scanRecord(row pgx.Row) (*model.MockRecord, error) {
	var rec model.MockRecord
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Description,
		&rec.OriginalURL,
		&rec.Operation,
		&rec.RoutingURL,
		&rec.Headers,
		&rec.Parameters,
		&rec.Response,
		&rec.APIDetails,
		&rec.LOB,
		&rec.Environment,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert persists a new mock record and returns the id assigned by the
// database. The single INSERT is atomic: a failure leaves no partial row.
func (p *postgres) Insert(ctx context.Context, rec model.MockRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	query := `INSERT INTO service_virtualisation
		(name, description, original_url, operation, routing_url, headers, parameters, response, api_details, lob, environment)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		RETURNING id`

	var id int64
	err := p.db.QueryRow(ctx, query,
		rec.Name,
		rec.Description,
		rec.OriginalURL,
		rec.Operation,
		rec.RoutingURL,
		rec.Headers,
		rec.Parameters,
		rec.Response,
		rec.APIDetails,
		rec.LOB,
		rec.Environment,
	).Scan(&id)
	if err != nil {
		return 0, wrapStoreErr("failed to insert mock record", err)
	}

	return id, nil
}

// ListAll returns mock records ordered by creation time descending.
// The liveOnly filter excludes sourceless records so the refresh engine
// never sees a record it cannot re-query.
func (p *postgres) ListAll(ctx context.Context, liveOnly bool) ([]model.MockRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_virtualisation`, recordColumns)
	var args []interface{}
	if liveOnly {
		query += ` WHERE LOWER(original_url) != ALL($1)`
		args = append(args, sourcelessLiterals)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr("failed to list mock records", err)
	}
	defer rows.Close()

	var records []model.MockRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mock record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("error iterating mock records", err)
	}

	return records, nil
}

// GetByID retrieves a mock record by its id.
func (p *postgres) GetByID(ctx context.Context, id int64) (*model.MockRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_virtualisation WHERE id = $1`, recordColumns)

	rec, err := scanRecord(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapStoreErr("failed to get mock record", err)
	}

	return rec, nil
}

// GetByRoutingURL retrieves the most recently created record for a routing
// key. Routing keys are not unique; the newest row wins.
func (p *postgres) GetByRoutingURL(ctx context.Context, routingURL string) (*model.MockRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_virtualisation
		WHERE routing_url = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, recordColumns)

	rec, err := scanRecord(p.db.QueryRow(ctx, query, routingURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapStoreErr("failed to get mock record by routing url", err)
	}

	return rec, nil
}

// UpdateResponse replaces the stored response payload and bumps updated_at.
// Structured payloads are serialized to canonical JSON text first; string
// payloads pass through unchanged. A missing row is reported as ErrNotFound
// and leaves nothing modified.
func (p *postgres) UpdateResponse(ctx context.Context, id int64, payload any) error {
	text, err := serializePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize response payload: %w", err)
	}

	query := `UPDATE service_virtualisation
		SET response = $1, updated_at = NOW()
		WHERE id = $2`

	tag, err := p.db.Exec(ctx, query, text, id)
	if err != nil {
		return wrapStoreErr("failed to update mock response", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ClearResponse sets the response to NULL and bumps updated_at.
// The row itself is retained; a cleared mock simply has nothing to serve.
func (p *postgres) ClearResponse(ctx context.Context, id int64) error {
	query := `UPDATE service_virtualisation
		SET response = NULL, updated_at = NOW()
		WHERE id = $1`

	tag, err := p.db.Exec(ctx, query, id)
	if err != nil {
		return wrapStoreErr("failed to clear mock response", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
