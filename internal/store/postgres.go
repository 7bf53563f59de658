package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/db"
	"github.com/sells-group/custody-trace/internal/model"
)

// PostgresStore implements Store using pgxpool, with hops held in a JSONB array.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS product_history (
	product_id    TEXT PRIMARY KEY,
	product_name  TEXT NOT NULL DEFAULT '',
	manufacturer  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'Active',
	image_url     TEXT,
	vision_result JSONB,
	hops          JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_product_history_manufacturer ON product_history(manufacturer);
CREATE INDEX IF NOT EXISTS idx_product_history_created_at ON product_history(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_product_history_hops ON product_history USING GIN (hops jsonb_path_ops);

CREATE TABLE IF NOT EXISTS identities (
	address             TEXT PRIMARY KEY,
	company_name        TEXT NOT NULL DEFAULT '',
	role                TEXT NOT NULL,
	registered_location TEXT NOT NULL DEFAULT '',
	contact_person      TEXT NOT NULL DEFAULT '',
	contact_phone       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const productColumns = `product_id, product_name, manufacturer, status, image_url, vision_result, hops, created_at, updated_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, rec *model.ProductRecord) error {
	hopsJSON, visionJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal product")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO product_history (`+productColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ProductID, rec.ProductName, rec.Manufacturer, string(rec.Status),
		nullString(rec.ImageURL), visionJSON, hopsJSON, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicate, "postgres: product %s", rec.ProductID)
		}
		return eris.Wrapf(err, "postgres: insert product %s", rec.ProductID)
	}
	return nil
}

func (s *PostgresStore) FindProduct(ctx context.Context, productID string) (*model.ProductRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM product_history WHERE product_id = $1`,
		productID,
	)
	rec, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find product %s", productID)
	}
	return rec, nil
}

func (s *PostgresStore) AppendHop(ctx context.Context, productID string, hop model.Hop) error {
	hopJSON, err := json.Marshal(normalizeHop(hop))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal hop")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE product_history SET hops = hops || jsonb_build_array($2::jsonb), updated_at = $3 WHERE product_id = $1`,
		productID, hopJSON, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append hop to %s", productID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: append hop to %s", productID)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, productID string, status model.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE product_history SET status = $2, updated_at = $3 WHERE product_id = $1`,
		productID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status of %s", productID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: set status of %s", productID)
	}
	return nil
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, productID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM product_history WHERE product_id = $1`, productID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete product %s", productID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductRecord, error) {
	query := `SELECT ` + productColumns + ` FROM product_history`
	var args []any

	switch {
	case filter.Manufacturer != "":
		query += ` WHERE manufacturer = $1`
		args = append(args, filter.Manufacturer)
	case filter.Actor != "":
		actorJSON, err := json.Marshal([]map[string]string{{"actor": filter.Actor}})
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal actor filter")
		}
		query += ` WHERE hops @> $1::jsonb`
		args = append(args, actorJSON)
	}

	args = append(args, listLimit(filter))
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var out []model.ProductRecord
	for rows.Next() {
		rec, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list products iterate")
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, id model.Identity) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (address, company_name, role, registered_location, contact_person, contact_phone, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (address) DO UPDATE SET
			company_name = EXCLUDED.company_name,
			role = EXCLUDED.role,
			registered_location = EXCLUDED.registered_location,
			contact_person = EXCLUDED.contact_person,
			contact_phone = EXCLUDED.contact_phone`,
		id.Address, id.CompanyName, string(id.Role), id.RegisteredLocation, id.ContactPerson, id.ContactPhone, id.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert identity %s", id.Address)
}

func (s *PostgresStore) GetIdentity(ctx context.Context, address string) (*model.Identity, error) {
	var id model.Identity
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT address, company_name, role, registered_location, contact_person, contact_phone, created_at FROM identities WHERE address = $1`,
		address,
	).Scan(&id.Address, &id.CompanyName, &role, &id.RegisteredLocation, &id.ContactPerson, &id.ContactPhone, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get identity %s", address)
	}
	id.Role = model.Role(role)
	return &id, nil
}

func scanProduct(row pgx.Row) (*model.ProductRecord, error) {
	var (
		rec        model.ProductRecord
		status     string
		imageURL   *string
		visionJSON []byte
		hopsJSON   []byte
	)
	if err := row.Scan(&rec.ProductID, &rec.ProductName, &rec.Manufacturer, &status,
		&imageURL, &visionJSON, &hopsJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	if imageURL != nil {
		rec.ImageURL = *imageURL
	}
	if err := unmarshalRecordJSON(&rec, hopsJSON, visionJSON); err != nil {
		return nil, err
	}
	return &rec, nil
}
