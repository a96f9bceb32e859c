// Package storage implements the storage ports on a relational database,
// SQLite for single-node deployments and PostgreSQL otherwise.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"finsights/internal/core"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return open(DialectSQLite, dsn)
}

func NewPostgresRepository(dsn string) (*SQLRepository, error) {
	return open(DialectPostgres, dsn)
}

func open(d Dialect, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(d, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	slog.Info("Storage ready", "dialect", d)
	return &SQLRepository{db: db, dialect: d}, nil
}

func (r *SQLRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return core.StorageError(ctx, "ping", r.db.PingContext(ctx))
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *SQLRepository) rebind(q string) string {
	if r.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *SQLRepository) QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	q := `SELECT id, user_id, category, amount_minor, occurred_on, is_transfer
		FROM ledger_entries
		WHERE user_id = ? AND superseded_by IS NULL`
	args := []any{userID}
	if !rng.Start.IsZero() {
		q += ` AND occurred_on >= ?`
		args = append(args, rng.Start.String())
	}
	if !rng.End.IsZero() {
		q += ` AND occurred_on <= ?`
		args = append(args, rng.End.String())
	}
	q += ` ORDER BY occurred_on, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, core.StorageError(ctx, "query ledger entries", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var (
			id, user, category, occurred string
			amount                       int64
			transfer                     bool
		)
		if err := rows.Scan(&id, &user, &category, &amount, &occurred, &transfer); err != nil {
			return nil, core.StorageError(ctx, "scan ledger entry", err)
		}
		day, err := core.ParseDate(occurred)
		if err != nil {
			return nil, fmt.Errorf("%w: ledger entry %s: %v", core.ErrInvalidRecord, id, err)
		}
		e, err := core.NewLedgerEntry(id, user, category, amount, day, transfer)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StorageError(ctx, "iterate ledger entries", err)
	}
	return out, nil
}

// LedgerVersion changes whenever an entry is added or superseded, because
// both insert a row with a new sequence number.
func (r *SQLRepository) LedgerVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE user_id = ?`), userID).Scan(&v)
	if err != nil {
		return 0, core.StorageError(ctx, "ledger version", err)
	}
	return v, nil
}

// AppendLedgerEntry records a new entry.
func (r *SQLRepository) AppendLedgerEntry(ctx context.Context, e core.LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO ledger_entries
		(id, user_id, category, amount_minor, occurred_on, is_transfer)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.Category, e.Amount, e.OccurredAt.String(), e.IsTransfer)
	if err != nil {
		return core.StorageError(ctx, "append ledger entry", err)
	}
	return nil
}

// SupersedeLedgerEntry records correction and hides the entry it replaces.
func (r *SQLRepository) SupersedeLedgerEntry(ctx context.Context, oldID string, correction core.LedgerEntry) error {
	if err := correction.Validate(); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.StorageError(ctx, "begin supersede", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE ledger_entries SET superseded_by = ?
		WHERE id = ? AND user_id = ? AND superseded_by IS NULL`), correction.ID, oldID, correction.UserID)
	if err != nil {
		return core.StorageError(ctx, "supersede ledger entry", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.StorageError(ctx, "supersede ledger entry", err)
	} else if n == 0 {
		return fmt.Errorf("%w: live ledger entry %s", core.ErrNotFound, oldID)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`INSERT INTO ledger_entries
		(id, user_id, category, amount_minor, occurred_on, is_transfer)
		VALUES (?, ?, ?, ?, ?, ?)`),
		correction.ID, correction.UserID, correction.Category, correction.Amount, correction.OccurredAt.String(), correction.IsTransfer)
	if err != nil {
		return core.StorageError(ctx, "insert correction", err)
	}
	if err := tx.Commit(); err != nil {
		return core.StorageError(ctx, "commit supersede", err)
	}
	slog.InfoContext(ctx, "Ledger entry superseded", "old_id", oldID, "new_id", correction.ID)
	return nil
}

func (r *SQLRepository) GetUserSettings(ctx context.Context, userID string) (core.UserSettings, error) {
	var (
		s      = core.UserSettings{UserID: userID}
		hidden string
	)
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT default_currency, hidden_categories, email_notifications
		FROM user_settings WHERE user_id = ?`), userID).Scan(&s.DefaultCurrency, &hidden, &s.EmailNotifications)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserSettings{}, fmt.Errorf("%w: settings for %s", core.ErrNotFound, userID)
	}
	if err != nil {
		return core.UserSettings{}, core.StorageError(ctx, "get user settings", err)
	}
	if err := json.Unmarshal([]byte(hidden), &s.HiddenCategories); err != nil {
		return core.UserSettings{}, fmt.Errorf("%w: hidden categories for %s: %v", core.ErrInvalidRecord, userID, err)
	}
	return s, nil
}

func (r *SQLRepository) SaveUserSettings(ctx context.Context, s core.UserSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	hidden := s.HiddenCategories
	if hidden == nil {
		hidden = []string{}
	}
	raw, err := json.Marshal(hidden)
	if err != nil {
		return fmt.Errorf("encode hidden categories: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`INSERT INTO user_settings
		(user_id, default_currency, hidden_categories, email_notifications, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			default_currency = excluded.default_currency,
			hidden_categories = excluded.hidden_categories,
			email_notifications = excluded.email_notifications,
			updated_at = excluded.updated_at`),
		s.UserID, s.DefaultCurrency, string(raw), s.EmailNotifications)
	if err != nil {
		return core.StorageError(ctx, "save user settings", err)
	}
	return nil
}

func (r *SQLRepository) QueryDemographics(ctx context.Context, userID string) (core.UserDemographics, error) {
	d := core.UserDemographics{UserID: userID}
	var bracket string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT age_bracket, opt_in_rankings
		FROM user_demographics WHERE user_id = ?`), userID).Scan(&bracket, &d.OptInRankings)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserDemographics{}, fmt.Errorf("%w: demographics for %s", core.ErrNotFound, userID)
	}
	if err != nil {
		return core.UserDemographics{}, core.StorageError(ctx, "query demographics", err)
	}
	d.AgeBracket = core.AgeBracket(bracket)
	if err := d.Validate(); err != nil {
		return core.UserDemographics{}, err
	}
	return d, nil
}

func (r *SQLRepository) SaveDemographics(ctx context.Context, d core.UserDemographics) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO user_demographics
		(user_id, age_bracket, opt_in_rankings, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			age_bracket = excluded.age_bracket,
			opt_in_rankings = excluded.opt_in_rankings,
			updated_at = excluded.updated_at`),
		d.UserID, string(d.AgeBracket), d.OptInRankings)
	if err != nil {
		return core.StorageError(ctx, "save demographics", err)
	}
	return nil
}

func (r *SQLRepository) QueryNetWorth(ctx context.Context, userID string) (int64, error) {
	var nw int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT net_worth_minor FROM net_worth_snapshots
		WHERE user_id = ? ORDER BY snapshot_date DESC LIMIT 1`), userID).Scan(&nw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: net worth for %s", core.ErrNotFound, userID)
	}
	if err != nil {
		return 0, core.StorageError(ctx, "query net worth", err)
	}
	return nw, nil
}

// RecordNetWorth stores the user's net worth for day, replacing an earlier
// value for the same day.
func (r *SQLRepository) RecordNetWorth(ctx context.Context, userID string, day core.Date, netWorth int64) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", core.ErrInvalidInput)
	}
	if err := day.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO net_worth_snapshots (user_id, snapshot_date, net_worth_minor)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, snapshot_date) DO UPDATE SET net_worth_minor = excluded.net_worth_minor`),
		userID, day.String(), netWorth)
	if err != nil {
		return core.StorageError(ctx, "record net worth", err)
	}
	return nil
}

func (r *SQLRepository) SavePercentileSnapshot(ctx context.Context, p core.PercentileSnapshot) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO percentile_snapshots
		(user_id, snapshot_date, age_bracket, percentile, net_worth_minor)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, snapshot_date) DO UPDATE SET
			age_bracket = excluded.age_bracket,
			percentile = excluded.percentile,
			net_worth_minor = excluded.net_worth_minor`),
		p.UserID, p.Day.String(), string(p.AgeBracket), p.Percentile, p.NetWorth)
	if err != nil {
		return core.StorageError(ctx, "save percentile snapshot", err)
	}
	return nil
}

func (r *SQLRepository) LatestPercentileSnapshot(ctx context.Context, userID string, day core.Date) (core.PercentileSnapshot, error) {
	p := core.PercentileSnapshot{UserID: userID}
	var snapshotDate, bracket string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT snapshot_date, age_bracket, percentile, net_worth_minor
		FROM percentile_snapshots
		WHERE user_id = ? AND snapshot_date <= ?
		ORDER BY snapshot_date DESC LIMIT 1`), userID, day.String()).
		Scan(&snapshotDate, &bracket, &p.Percentile, &p.NetWorth)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PercentileSnapshot{}, fmt.Errorf("%w: percentile snapshot for %s on or before %s", core.ErrNotFound, userID, day)
	}
	if err != nil {
		return core.PercentileSnapshot{}, core.StorageError(ctx, "query percentile snapshot", err)
	}
	if p.Day, err = core.ParseDate(snapshotDate); err != nil {
		return core.PercentileSnapshot{}, fmt.Errorf("%w: percentile snapshot for %s: %v", core.ErrInvalidRecord, userID, err)
	}
	p.AgeBracket = core.AgeBracket(bracket)
	return p, nil
}

func (r *SQLRepository) QueryOptedInUsers(ctx context.Context, bracket core.AgeBracket) ([]core.CohortMember, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT d.user_id, n.net_worth_minor
		FROM user_demographics d
		JOIN net_worth_snapshots n ON n.user_id = d.user_id
		WHERE d.age_bracket = ? AND d.opt_in_rankings = ?
		  AND n.snapshot_date = (SELECT MAX(s.snapshot_date) FROM net_worth_snapshots s WHERE s.user_id = d.user_id)`),
		string(bracket), true)
	if err != nil {
		return nil, core.StorageError(ctx, "query opted-in users", err)
	}
	defer rows.Close()

	var out []core.CohortMember
	for rows.Next() {
		var m core.CohortMember
		if err := rows.Scan(&m.UserID, &m.NetWorth); err != nil {
			return nil, core.StorageError(ctx, "scan cohort member", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StorageError(ctx, "iterate cohort members", err)
	}
	return out, nil
}

func (r *SQLRepository) QueryTaskReservations(ctx context.Context, businessID string, from, to time.Time) ([]core.TaskReservation, error) {
	q := `SELECT task_id, business_id, reserved_at, status FROM task_reservations
		WHERE reserved_at >= ? AND reserved_at <= ?`
	args := []any{from.Unix(), to.Unix()}
	if businessID != "" {
		q += ` AND business_id = ?`
		args = append(args, businessID)
	}
	q += ` ORDER BY reserved_at, task_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, core.StorageError(ctx, "query task reservations", err)
	}
	defer rows.Close()

	var out []core.TaskReservation
	for rows.Next() {
		var (
			taskID, business, status string
			reservedAt               int64
		)
		if err := rows.Scan(&taskID, &business, &reservedAt, &status); err != nil {
			return nil, core.StorageError(ctx, "scan task reservation", err)
		}
		res, err := core.NewTaskReservation(taskID, business, time.Unix(reservedAt, 0), status)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StorageError(ctx, "iterate task reservations", err)
	}
	return out, nil
}

// SaveTaskReservation inserts a new reservation under id.
func (r *SQLRepository) SaveTaskReservation(ctx context.Context, id string, res core.TaskReservation) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO task_reservations (id, task_id, business_id, reserved_at, status)
		VALUES (?, ?, ?, ?, ?)`),
		id, res.TaskID, res.BusinessID, res.ReservedAt.Unix(), string(res.Status))
	if err != nil {
		return core.StorageError(ctx, "save task reservation", err)
	}
	return nil
}

// TransitionTaskReservation moves reservation id to status to, refusing
// transitions out of a terminal state.
func (r *SQLRepository) TransitionTaskReservation(ctx context.Context, id string, to core.ReservationStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.StorageError(ctx, "begin transition", err)
	}
	defer tx.Rollback()

	var (
		taskID, business, status string
		reservedAt               int64
	)
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT task_id, business_id, reserved_at, status
		FROM task_reservations WHERE id = ?`), id).Scan(&taskID, &business, &reservedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: reservation %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.StorageError(ctx, "load reservation", err)
	}
	cur, err := core.NewTaskReservation(taskID, business, time.Unix(reservedAt, 0), status)
	if err != nil {
		return err
	}
	next, err := cur.Transition(to)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.rebind(`UPDATE task_reservations SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`), string(next.Status), id, string(cur.Status))
	if err != nil {
		return core.StorageError(ctx, "update reservation", err)
	}
	if err := tx.Commit(); err != nil {
		return core.StorageError(ctx, "commit transition", err)
	}
	return nil
}
