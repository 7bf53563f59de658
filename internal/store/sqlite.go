package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/custody-trace/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, with hops held as a JSON array.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS product_history (
	product_id    TEXT PRIMARY KEY,
	product_name  TEXT NOT NULL DEFAULT '',
	manufacturer  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'Active',
	image_url     TEXT,
	vision_result TEXT,
	hops          TEXT NOT NULL DEFAULT '[]',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_product_history_manufacturer ON product_history(manufacturer);
CREATE INDEX IF NOT EXISTS idx_product_history_created_at ON product_history(created_at);

CREATE TABLE IF NOT EXISTS identities (
	address             TEXT PRIMARY KEY,
	company_name        TEXT NOT NULL DEFAULT '',
	role                TEXT NOT NULL,
	registered_location TEXT NOT NULL DEFAULT '',
	contact_person      TEXT NOT NULL DEFAULT '',
	contact_phone       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, rec *model.ProductRecord) error {
	hopsJSON, visionJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal product")
	}

	var vision any
	if visionJSON != nil {
		vision = string(visionJSON)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO product_history (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ProductID, rec.ProductName, rec.Manufacturer, string(rec.Status),
		nullString(rec.ImageURL), vision, string(hopsJSON), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicate, "sqlite: product %s", rec.ProductID)
		}
		return eris.Wrapf(err, "sqlite: insert product %s", rec.ProductID)
	}
	return nil
}

func (s *SQLiteStore) FindProduct(ctx context.Context, productID string) (*model.ProductRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM product_history WHERE product_id = ?`,
		productID,
	)
	rec, err := scanSQLiteProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find product %s", productID)
	}
	return rec, nil
}

func (s *SQLiteStore) AppendHop(ctx context.Context, productID string, hop model.Hop) error {
	hopJSON, err := json.Marshal(normalizeHop(hop))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal hop")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE product_history SET hops = json_insert(hops, '$[#]', json(?)), updated_at = ? WHERE product_id = ?`,
		string(hopJSON), time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append hop to %s", productID)
	}
	return checkRowsAffected(res, "append hop to", productID)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, productID string, status model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE product_history SET status = ?, updated_at = ? WHERE product_id = ?`,
		string(status), time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status of %s", productID)
	}
	return checkRowsAffected(res, "set status of", productID)
}

func (s *SQLiteStore) DeleteProduct(ctx context.Context, productID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM product_history WHERE product_id = ?`, productID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete product %s", productID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductRecord, error) {
	query := `SELECT ` + productColumns + ` FROM product_history`
	var args []any

	switch {
	case filter.Manufacturer != "":
		query += ` WHERE manufacturer = ?`
		args = append(args, filter.Manufacturer)
	case filter.Actor != "":
		query += ` WHERE EXISTS (SELECT 1 FROM json_each(product_history.hops) h WHERE json_extract(h.value, '$.actor') = ?)`
		args = append(args, filter.Actor)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()

	var out []model.ProductRecord
	for rows.Next() {
		rec, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list products iterate")
}

func (s *SQLiteStore) UpsertIdentity(ctx context.Context, id model.Identity) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (address, company_name, role, registered_location, contact_person, contact_phone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET
			company_name = excluded.company_name,
			role = excluded.role,
			registered_location = excluded.registered_location,
			contact_person = excluded.contact_person,
			contact_phone = excluded.contact_phone`,
		id.Address, id.CompanyName, string(id.Role), id.RegisteredLocation, id.ContactPerson, id.ContactPhone, id.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert identity %s", id.Address)
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, address string) (*model.Identity, error) {
	var id model.Identity
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT address, company_name, role, registered_location, contact_person, contact_phone, created_at FROM identities WHERE address = ?`,
		address,
	).Scan(&id.Address, &id.CompanyName, &role, &id.RegisteredLocation, &id.ContactPerson, &id.ContactPhone, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get identity %s", address)
	}
	id.Role = model.Role(role)
	return &id, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProduct(row sqlScanner) (*model.ProductRecord, error) {
	var (
		rec      model.ProductRecord
		status   string
		imageURL sql.NullString
		vision   sql.NullString
		hops     string
	)
	if err := row.Scan(&rec.ProductID, &rec.ProductName, &rec.Manufacturer, &status,
		&imageURL, &vision, &hops, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	rec.ImageURL = imageURL.String

	var visionJSON []byte
	if vision.Valid {
		visionJSON = []byte(vision.String)
	}
	if err := unmarshalRecordJSON(&rec, []byte(hops), visionJSON); err != nil {
		return nil, err
	}
	return &rec, nil
}

func checkRowsAffected(res sql.Result, action, productID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", action, productID)
	}
	return nil
}
