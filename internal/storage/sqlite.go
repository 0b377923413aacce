package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"smsdispatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed store, creating the schema when
// missing.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, item QueueItem) (QueueItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		item.ID = uuid.NewString()
	}
	if item.State == "" {
		item.State = StatePending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	var rowData any
	if len(item.RowData) > 0 {
		b, err := json.Marshal(item.RowData)
		if err != nil {
			return QueueItem{}, fmt.Errorf("marshal row data: %w", err)
		}
		rowData = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cola_sms(id, numero, mensaje, row_data, link, operador, intentos, estado, creado)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		item.ID, item.Number, item.Template, rowData, nullStr(item.DynamicLink),
		item.Carrier, item.Attempts, string(item.State), item.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return QueueItem{}, err
	}
	return item, nil
}

const itemColumns = `id, numero, mensaje, row_data, link, operador, intentos, estado, ultimo_intento, proximo_reintento, creado`

func (s *sqliteStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.claim(ctx, string(StatePending),
		`SELECT id FROM cola_sms WHERE estado = ? ORDER BY creado LIMIT ?`,
		string(StatePending), limit)
}

func (s *sqliteStore) ClaimRetryable(ctx context.Context, limit int, now time.Time) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.claim(ctx, string(StateRetrying),
		`SELECT id FROM cola_sms
		 WHERE estado = ? AND (proximo_reintento IS NULL OR proximo_reintento <= ?)
		 ORDER BY proximo_reintento LIMIT ?`,
		string(StateRetrying), now.UnixMilli(), limit)
}

// claim selects candidate ids and flips each to sending with a guarded
// UPDATE inside one transaction. A row whose guard no longer matches
// (claimed by a concurrent run) is skipped, not re-sent.
func (s *sqliteStore) claim(ctx context.Context, guardState, selectSQL string, selectArgs ...any) ([]QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectSQL, selectArgs...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var claimed []string
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE cola_sms SET estado = ? WHERE id = ? AND estado = ?`,
			string(StateSending), id, guardState,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	items := make([]QueueItem, 0, len(claimed))
	for _, id := range claimed {
		item, err := getItemTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intentos_sms(id, cola_id, operador, exito, respuesta, error, tiempo_ms, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, a.ItemID, a.Carrier, boolInt(a.Success),
		nullStr(a.Response), nullStr(a.Error), a.Latency.Milliseconds(), a.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetOutcome(ctx context.Context, itemID string, state State, carrier string, attempts int, lastAttempt, nextRetry time.Time) error {
	var last, next any
	if !lastAttempt.IsZero() {
		last = lastAttempt.UnixMilli()
	}
	if !nextRetry.IsZero() {
		next = nextRetry.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cola_sms SET estado = ?, operador = ?, intentos = ?, ultimo_intento = ?, proximo_reintento = ? WHERE id = ?`,
		string(state), carrier, attempts, last, next, itemID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM cola_sms WHERE id = ?`, id)
	return scanItem(row)
}

func getItemTx(ctx context.Context, tx *sql.Tx, id string) (QueueItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM cola_sms WHERE id = ?`, id)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (QueueItem, error) {
	var it QueueItem
	var rowData, link sql.NullString
	var last, next sql.NullInt64
	var estado string
	var creado int64

	err := row.Scan(&it.ID, &it.Number, &it.Template, &rowData, &link, &it.Carrier,
		&it.Attempts, &estado, &last, &next, &creado)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrItemNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}

	it.State = State(estado)
	it.DynamicLink = link.String
	it.CreatedAt = time.UnixMilli(creado)
	if last.Valid {
		it.LastAttemptAt = time.UnixMilli(last.Int64)
	}
	if next.Valid {
		it.NextRetryAt = time.UnixMilli(next.Int64)
	}
	if rowData.Valid && rowData.String != "" {
		if err := json.Unmarshal([]byte(rowData.String), &it.RowData); err != nil {
			return QueueItem{}, fmt.Errorf("row data for %s: %w", it.ID, err)
		}
	}
	return it, nil
}

func (s *sqliteStore) GetCarrierStats(ctx context.Context, carrier string) (CarrierStats, error) {
	st := CarrierStats{Carrier: carrier}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(exito), 0) FROM intentos_sms WHERE operador = ?`,
		carrier,
	).Scan(&st.TotalSent, &st.TotalDelivered)
	if err != nil {
		return CarrierStats{}, err
	}
	st.TotalFailed = st.TotalSent - st.TotalDelivered
	if st.TotalSent > 0 {
		st.SuccessRate = float64(st.TotalDelivered) / float64(st.TotalSent) * 100
		st.ErrorRate = float64(st.TotalFailed) / float64(st.TotalSent)
	}

	var lastErr sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT error FROM intentos_sms WHERE operador = ? AND exito = 0 ORDER BY at DESC LIMIT 1`,
		carrier,
	).Scan(&lastErr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return CarrierStats{}, err
	}
	st.LastError = lastErr.String

	return st, nil
}

func (s *sqliteStore) CountByState(ctx context.Context) (map[State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT estado, COUNT(*) FROM cola_sms GROUP BY estado`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[State]int64)
	for rows.Next() {
		var estado string
		var n int64
		if err := rows.Scan(&estado, &n); err != nil {
			return nil, err
		}
		out[State(estado)] = n
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
