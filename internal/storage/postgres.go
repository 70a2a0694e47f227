package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaFile embed.FS

// PostgresConfig holds connection settings for the durable backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStorage is the durable Storage backend. The transition check is a
// single conditional UPDATE, so the compare-and-advance is atomic at the
// database row level and the store contract is identical to the in-memory
// backend.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage opens the connection pool and applies the schema.
func NewPostgresStorage(cfg PostgresConfig) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) Insert(ctx context.Context, id string, origin CallbackRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proof_requests
		   (id, account, image_id, input, callback_contract, function_selector, gas_limit, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, origin.Account.Bytes(), origin.ImageID.Bytes(), origin.Input,
		origin.CallbackContract.Bytes(), origin.FunctionSelector[:], int64(origin.GasLimit), int(StatePending),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return sdkerrors.Wrapf(ErrAlreadyExists, "id %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to insert proof request: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Transition(ctx context.Context, id string, expected ProofRequestState) (ProofRequestState, error) {
	next, ok := expected.Next()
	if !ok {
		return 0, sdkerrors.Wrapf(ErrInvalidTransition, "id %s: no transition out of %s", id, expected)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_requests SET state = $3, updated_at = NOW() WHERE id = $1 AND state = $2`,
		id, int(expected), int(next),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to transition proof request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read transition result: %w", err)
	}
	if affected == 1 {
		return next, nil
	}

	// The conditional update matched nothing: distinguish a missing id from
	// a state mismatch.
	current, err := s.GetState(ctx, id)
	if err != nil {
		return 0, err
	}
	return 0, sdkerrors.Wrapf(ErrInvalidTransition, "id %s: state %s, expected %s", id, current, expected)
}

func (s *PostgresStorage) GetState(ctx context.Context, id string) (ProofRequestState, error) {
	var state int
	err := s.db.QueryRowContext(ctx, `SELECT state FROM proof_requests WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query proof request state: %w", err)
	}
	return ProofRequestState(state), nil
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (ProofRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account, image_id, input, callback_contract, function_selector, gas_limit, state, payload
		   FROM proof_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProofRequest{}, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return ProofRequest{}, fmt.Errorf("failed to query proof request: %w", err)
	}
	return req, nil
}

func (s *PostgresStorage) ListByState(ctx context.Context, state ProofRequestState) ([]ProofRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account, image_id, input, callback_contract, function_selector, gas_limit, state, payload
		   FROM proof_requests WHERE state = $1 ORDER BY seq`, int(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list proof requests: %w", err)
	}
	defer rows.Close()

	var out []ProofRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proof request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SetPayload(ctx context.Context, id string, payload []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_requests SET payload = $2, updated_at = NOW() WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("failed to store proof payload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read payload update result: %w", err)
	}
	if affected == 0 {
		return sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

func (s *PostgresStorage) GetPayload(ctx context.Context, id string) ([]byte, error) {
	var state int
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state, payload FROM proof_requests WHERE id = $1`, id).Scan(&state, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proof payload: %w", err)
	}
	if ProofRequestState(state) < StateCompleted {
		return nil, sdkerrors.Wrapf(ErrPayloadUnavailable, "id %s: state %s", id, ProofRequestState(state))
	}
	return payload, nil
}

func (s *PostgresStorage) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proof_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove proof request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read remove result: %w", err)
	}
	if affected == 0 {
		return sdkerrors.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (ProofRequest, error) {
	var (
		req      ProofRequest
		account  []byte
		imageID  []byte
		callback []byte
		selector []byte
		gasLimit int64
		state    int
	)
	err := row.Scan(&req.ID, &account, &imageID, &req.Origin.Input, &callback, &selector, &gasLimit, &state, &req.Payload)
	if err != nil {
		return ProofRequest{}, err
	}
	req.Origin.Account = common.BytesToAddress(account)
	req.Origin.ImageID = common.BytesToHash(imageID)
	req.Origin.CallbackContract = common.BytesToAddress(callback)
	copy(req.Origin.FunctionSelector[:], selector)
	req.Origin.GasLimit = uint64(gasLimit)
	req.State = ProofRequestState(state)
	return req, nil
}
