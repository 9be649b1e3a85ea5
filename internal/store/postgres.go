package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schemaSQL creates the redemption_codes table. The CHECK constraints mirror
// the lifecycle invariants: a device and activation time exist iff the code
// is used, and a result only exists on a used code.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS redemption_codes (
	code          TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'unused' CHECK (status IN ('unused', 'used')),
	device_id     TEXT,
	activated_at  TIMESTAMPTZ,
	result_cache  JSONB,
	artifact_refs JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((status = 'used') = (device_id IS NOT NULL)),
	CHECK ((status = 'used') = (activated_at IS NOT NULL)),
	CHECK (result_cache IS NULL OR status = 'used')
);
CREATE INDEX IF NOT EXISTS redemption_codes_activated_at_idx
	ON redemption_codes (activated_at) WHERE activated_at IS NOT NULL;
`

const selectColumns = `code, status, device_id, activated_at, result_cache, artifact_refs, created_at`

// PostgresStore implements CodeStore on PostgreSQL via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ CodeStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the table and index if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "create redemption_codes schema")
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanCode(row pgx.Row) (*Code, error) {
	var (
		c           Code
		status      string
		deviceID    *string
		activatedAt *time.Time
		result      []byte
		refs        []byte
	)
	if err := row.Scan(&c.Code, &status, &deviceID, &activatedAt, &result, &refs, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if deviceID != nil {
		c.DeviceID = *deviceID
	}
	if activatedAt != nil {
		t := activatedAt.UTC()
		c.ActivatedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if len(result) > 0 {
		c.ResultCache = json.RawMessage(result)
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &c.ArtifactRefs); err != nil {
			return nil, errors.Wrap(err, "decode artifact_refs")
		}
	}
	return &c, nil
}

func (s *PostgresStore) GetCode(ctx context.Context, code string) (*Code, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM redemption_codes WHERE code = $1`, code)
	c, err := scanCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select code %s", code)
	}
	return c, nil
}

func (s *PostgresStore) CreateCode(ctx context.Context, code string, createdAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO redemption_codes (code, status, created_at) VALUES ($1, 'unused', $2)
		 ON CONFLICT (code) DO NOTHING`, code, createdAt.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "insert code %s", code)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ActivateCode(ctx context.Context, code, deviceID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE redemption_codes SET status = 'used', device_id = $2, activated_at = $3
		 WHERE code = $1 AND status = 'unused'`, code, deviceID, at.UTC())
	if err != nil {
		return errors.Wrapf(err, "activate code %s", code)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	log.Debug().Str("code", code).Msg("Code activated in postgres")
	return nil
}

func (s *PostgresStore) RebindDevice(ctx context.Context, code, deviceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE redemption_codes SET device_id = $2 WHERE code = $1 AND status = 'used'`, code, deviceID)
	if err != nil {
		return errors.Wrapf(err, "rebind device for code %s", code)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *PostgresStore) SetResult(ctx context.Context, code string, result json.RawMessage, refs []ArtifactRef) error {
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return errors.Wrap(err, "encode artifact refs")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE redemption_codes SET result_cache = $2, artifact_refs = $3
		 WHERE code = $1 AND status = 'used' AND result_cache IS NULL`,
		code, []byte(result), refsJSON)
	if err != nil {
		return errors.Wrapf(err, "set result for code %s", code)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	log.Debug().Str("code", code).Int("artifacts", len(refs)).Msg("Result cached in postgres")
	return nil
}

func (s *PostgresStore) ListActivatedBefore(ctx context.Context, cutoff time.Time) ([]*Code, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM redemption_codes
		 WHERE activated_at IS NOT NULL AND activated_at < $1 ORDER BY code`, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "query activated codes")
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan activated code")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate activated codes")
	}
	return out, nil
}

func (s *PostgresStore) DeleteCode(ctx context.Context, code string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM redemption_codes WHERE code = $1`, code); err != nil {
		return errors.Wrapf(err, "delete code %s", code)
	}
	return nil
}
