/*
Package sqlite provides a SQLite-backed implementation of loyalty.Backend.

PURPOSE:
  Persists customers, both spend sources, the reward catalog, reward grants,
  tier history and the delivery cooldown slots in one SQLite database. The
  same schema ports to PostgreSQL with minor dialect changes.

KEY TABLES:
  customers:          Customer identity and contact info
  live_transactions:  Sales from the live system, with payment state
  historical_spend:   One-off archive import (may be absent)
  reward_definitions: Operator catalog, one row per category
  reward_grants:      Grants and their lifecycle timestamps
  tier_history:       Append-only tier transitions
  delivery_cooldowns: Last send per channel, updated with compare-and-set

AT MOST ONE LIVE GRANT:
  idx_one_live_grant is a partial unique index over (customer_id, category)
  restricted to live states. The ledger checks first inside the same
  transaction; the index backs it up against a second process.

ARCHIVE AVAILABILITY:
  If historical_spend does not exist (dropped, or a database created by an
  older deployment that never had the archive), HistoricalSpend returns
  loyalty.ErrSourceUnavailable and evaluation carries on with live spend.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Statements inside WithTx run on the
  *sql.Tx and never take the mutex again. Transactions begin IMMEDIATE, so
  WithTx calls from separate processes on one file are serialized too.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	// Immediate transactions take the write lock at BEGIN, so two processes
	// evaluating one customer queue on busy_timeout instead of failing on a
	// stale read snapshot.
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		preferred_channel TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS live_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT,
		payment_state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_live_customer ON live_transactions(customer_id, date);

	CREATE TABLE IF NOT EXISTS historical_spend (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT,
		is_synthetic INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_historical_customer ON historical_spend(customer_id, date);

	CREATE TABLE IF NOT EXISTS reward_definitions (
		category TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		validity_days INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reward_grants (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		category TEXT NOT NULL,
		state TEXT NOT NULL,
		tier_before INTEGER NOT NULL,
		tier_at_grant INTEGER NOT NULL,
		spend_at_grant TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		approved_at TEXT,
		sent_at TEXT,
		used_at TEXT,
		expired_at TEXT,
		cancelled_at TEXT,
		expires_at TEXT NOT NULL,
		redemption_code TEXT NOT NULL UNIQUE,
		notes TEXT,
		approved_by TEXT,
		cancel_reason TEXT,
		message_sent TEXT,
		redeemed_tx_ref TEXT,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		last_delivery_error TEXT,
		sent_via TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_grants_customer ON reward_grants(customer_id, category);
	CREATE INDEX IF NOT EXISTS idx_grants_state ON reward_grants(state, granted_at);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_live_grant
		ON reward_grants(customer_id, category)
		WHERE state IN ('pending_approval', 'approved', 'sent');

	CREATE TABLE IF NOT EXISTS tier_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		tier_from INTEGER NOT NULL,
		tier_to INTEGER NOT NULL,
		spend_at_change TEXT NOT NULL,
		changed_at TEXT NOT NULL,
		reward_grant_id TEXT REFERENCES reward_grants(id),
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tier_history_customer ON tier_history(customer_id, seq);

	CREATE TABLE IF NOT EXISTS delivery_cooldowns (
		channel TEXT PRIMARY KEY,
		last_send_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release; CREATE TABLE IF NOT EXISTS
	// leaves older databases without them.
	added := []struct{ table, column, decl string }{
		{"reward_grants", "sent_via", "TEXT"},
		{"tier_history", "notes", "TEXT"},
	}
	for _, c := range added {
		if err := s.addColumnIfMissing(c.table, c.column, c.decl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if _, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the store and its transactional view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Store against a *sql.DB or *sql.Tx.
type queries struct {
	db querier
}

const definitionColumns = `category, name, description, active, validity_days, updated_at`

func (q queries) GetDefinition(ctx context.Context, category loyalty.RewardCategory) (*loyalty.RewardDefinition, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM reward_definitions WHERE category = ?`, category)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (q queries) ListDefinitions(ctx context.Context) ([]loyalty.RewardDefinition, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM reward_definitions ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var defs []loyalty.RewardDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (q queries) SaveDefinition(ctx context.Context, def loyalty.RewardDefinition) error {
	if !def.Category.Valid() {
		return fmt.Errorf("save definition %q: %w", def.Category, loyalty.ErrInvalidCategory)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reward_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			active = excluded.active,
			validity_days = excluded.validity_days,
			updated_at = excluded.updated_at
	`, def.Category, def.Name, nullString(def.Description), def.Active, def.ValidityDays, formatTime(def.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

const grantColumns = `id, customer_id, category, state, tier_before, tier_at_grant, spend_at_grant,
	granted_at, approved_at, sent_at, used_at, expired_at, cancelled_at, expires_at,
	redemption_code, notes, approved_by, cancel_reason, message_sent, redeemed_tx_ref,
	delivery_attempts, last_delivery_error, sent_via`

func (q queries) InsertGrant(ctx context.Context, g loyalty.RewardGrant) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reward_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, grantArgs(g)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "redemption_code") {
				return loyalty.ErrDuplicateRedemptionCode
			}
			return loyalty.ErrDuplicateActiveGrant
		}
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func (q queries) UpdateGrant(ctx context.Context, g loyalty.RewardGrant) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reward_grants SET
			state = ?, approved_at = ?, sent_at = ?, used_at = ?, expired_at = ?, cancelled_at = ?,
			expires_at = ?, notes = ?, approved_by = ?, cancel_reason = ?, message_sent = ?,
			redeemed_tx_ref = ?, delivery_attempts = ?, last_delivery_error = ?, sent_via = ?
		WHERE id = ?
	`,
		g.State, nullTime(g.ApprovedAt), nullTime(g.SentAt), nullTime(g.UsedAt), nullTime(g.ExpiredAt), nullTime(g.CancelledAt),
		formatTime(g.ExpiresAt), nullString(g.Notes), nullString(g.ApprovedBy), nullString(g.CancelReason), nullString(g.MessageSent),
		nullString(g.RedeemedTxRef), g.DeliveryAttempts, nullString(g.LastDeliveryErr), nullString(string(g.SentVia)),
		g.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrDuplicateActiveGrant
		}
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrGrantNotFound
	}
	return nil
}

func (q queries) GetGrant(ctx context.Context, id loyalty.GrantID) (*loyalty.RewardGrant, error) {
	return q.getGrant(ctx, `SELECT `+grantColumns+` FROM reward_grants WHERE id = ?`, id)
}

func (q queries) GetGrantByCode(ctx context.Context, code string) (*loyalty.RewardGrant, error) {
	return q.getGrant(ctx, `SELECT `+grantColumns+` FROM reward_grants WHERE redemption_code = ?`, code)
}

func (q queries) getGrant(ctx context.Context, query string, arg any) (*loyalty.RewardGrant, error) {
	g, err := scanGrant(q.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (q queries) LiveGrants(ctx context.Context, customerID loyalty.CustomerID, category loyalty.RewardCategory) ([]loyalty.RewardGrant, error) {
	return q.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM reward_grants
		WHERE customer_id = ? AND category = ? AND state IN ('pending_approval', 'approved', 'sent')
		ORDER BY granted_at, rowid
	`, customerID, category)
}

func (q queries) GrantsByState(ctx context.Context, state loyalty.GrantState, limit int) ([]loyalty.RewardGrant, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM reward_grants
		WHERE state = ?
		ORDER BY granted_at, rowid
		LIMIT ?
	`, state, limit)
}

func (q queries) GrantsByCustomer(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.RewardGrant, error) {
	return q.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM reward_grants
		WHERE customer_id = ?
		ORDER BY granted_at, rowid
	`, customerID)
}

func (q queries) DeliverableGrants(ctx context.Context, now time.Time, limit int) ([]loyalty.RewardGrant, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM reward_grants
		WHERE state = 'approved' AND expires_at >= ?
		ORDER BY granted_at, rowid
		LIMIT ?
	`, formatTime(now), limit)
}

func (q queries) ExpirableGrants(ctx context.Context, now time.Time) ([]loyalty.RewardGrant, error) {
	return q.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM reward_grants
		WHERE state IN ('approved', 'sent') AND expires_at < ?
		ORDER BY granted_at, rowid
	`, formatTime(now))
}

func (q queries) queryGrants(ctx context.Context, query string, args ...any) ([]loyalty.RewardGrant, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []loyalty.RewardGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

const historyColumns = `id, customer_id, tier_from, tier_to, spend_at_change, changed_at, reward_grant_id, notes`

func (q queries) AppendTierHistory(ctx context.Context, e loyalty.TierHistoryEntry) error {
	var grantID sql.NullString
	if e.RewardGrantID != nil {
		grantID = nullString(string(*e.RewardGrantID))
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tier_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CustomerID, e.TierFrom, e.TierTo, e.SpendAtChange.String(), formatTime(e.ChangedAt), grantID, nullString(e.Notes))
	if err != nil {
		return fmt.Errorf("failed to append tier history: %w", err)
	}
	return nil
}

func (q queries) LastTierEntry(ctx context.Context, customerID loyalty.CustomerID) (*loyalty.TierHistoryEntry, error) {
	entries, err := q.queryHistory(ctx, `
		SELECT `+historyColumns+` FROM tier_history
		WHERE customer_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, customerID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (q queries) TierHistory(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.TierHistoryEntry, error) {
	return q.queryHistory(ctx, `
		SELECT `+historyColumns+` FROM tier_history
		WHERE customer_id = ?
		ORDER BY seq
	`, customerID)
}

func (q queries) queryHistory(ctx context.Context, query string, args ...any) ([]loyalty.TierHistoryEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier history: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.TierHistoryEntry
	for rows.Next() {
		var (
			e         loyalty.TierHistoryEntry
			spend     string
			changedAt string
			grantID   sql.NullString
			notes     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.TierFrom, &e.TierTo, &spend, &changedAt, &grantID, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan tier history: %w", err)
		}
		if e.SpendAtChange, err = parseDecimal(spend); err != nil {
			return nil, fmt.Errorf("tier history %s spend_at_change: %w", e.ID, err)
		}
		e.Notes = notes.String
		e.ChangedAt = parseTime(changedAt)
		if grantID.Valid {
			id := loyalty.GrantID(grantID.String)
			e.RewardGrantID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// STORE (loyalty.Store interface) - locked entry points
// =============================================================================

func (s *Store) GetDefinition(ctx context.Context, category loyalty.RewardCategory) (*loyalty.RewardDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetDefinition(ctx, category)
}

func (s *Store) ListDefinitions(ctx context.Context) ([]loyalty.RewardDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListDefinitions(ctx)
}

func (s *Store) SaveDefinition(ctx context.Context, def loyalty.RewardDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveDefinition(ctx, def)
}

func (s *Store) InsertGrant(ctx context.Context, g loyalty.RewardGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertGrant(ctx, g)
}

func (s *Store) UpdateGrant(ctx context.Context, g loyalty.RewardGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateGrant(ctx, g)
}

func (s *Store) GetGrant(ctx context.Context, id loyalty.GrantID) (*loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetGrant(ctx, id)
}

func (s *Store) GetGrantByCode(ctx context.Context, code string) (*loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetGrantByCode(ctx, code)
}

func (s *Store) LiveGrants(ctx context.Context, customerID loyalty.CustomerID, category loyalty.RewardCategory) ([]loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LiveGrants(ctx, customerID, category)
}

func (s *Store) GrantsByState(ctx context.Context, state loyalty.GrantState, limit int) ([]loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GrantsByState(ctx, state, limit)
}

func (s *Store) GrantsByCustomer(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GrantsByCustomer(ctx, customerID)
}

func (s *Store) DeliverableGrants(ctx context.Context, now time.Time, limit int) ([]loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.DeliverableGrants(ctx, now, limit)
}

func (s *Store) ExpirableGrants(ctx context.Context, now time.Time) ([]loyalty.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ExpirableGrants(ctx, now)
}

func (s *Store) AppendTierHistory(ctx context.Context, entry loyalty.TierHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AppendTierHistory(ctx, entry)
}

func (s *Store) LastTierEntry(ctx context.Context, customerID loyalty.CustomerID) (*loyalty.TierHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LastTierEntry(ctx, customerID)
}

func (s *Store) TierHistory(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.TierHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.TierHistory(ctx, customerID)
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// CUSTOMERS (loyalty.CustomerRegistry interface)
// =============================================================================

func (s *Store) SaveCustomer(ctx context.Context, c loyalty.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, preferred_channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			preferred_channel = excluded.preferred_channel
	`, c.ID, c.Name, nullString(c.Email), nullString(c.Phone), nullString(string(c.PreferredChannel)), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers, err := s.queryCustomers(ctx, `SELECT id, name, email, phone, preferred_channel, created_at FROM customers WHERE id = ?`, id)
	if err != nil || len(customers) == 0 {
		return nil, err
	}
	return &customers[0], nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCustomers(ctx, `SELECT id, name, email, phone, preferred_channel, created_at FROM customers ORDER BY created_at, id`)
}

func (s *Store) ListCustomerIDs(ctx context.Context) ([]loyalty.CustomerID, error) {
	customers, err := s.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]loyalty.CustomerID, len(customers))
	for i, c := range customers {
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]loyalty.Customer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []loyalty.Customer
	for rows.Next() {
		var (
			c                     loyalty.Customer
			email, phone, channel sql.NullString
			createdAt             string
		)
		if err := rows.Scan(&c.ID, &c.Name, &email, &phone, &channel, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		c.Email = email.String
		c.Phone = phone.String
		c.PreferredChannel = loyalty.Channel(channel.String)
		c.CreatedAt = parseTime(createdAt)
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// =============================================================================
// SPEND SOURCES (loyalty.LiveSpendSource, loyalty.HistoricalSpendSource)
// =============================================================================

func (s *Store) LiveSpend(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.LiveSpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLive(ctx, `
		SELECT id, customer_id, date, amount, category, payment_state
		FROM live_transactions WHERE customer_id = ? ORDER BY date DESC
	`, customerID)
}

func (s *Store) queryLive(ctx context.Context, query string, args ...any) ([]loyalty.LiveSpendRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query live transactions: %w", err)
	}
	defer rows.Close()

	var records []loyalty.LiveSpendRecord
	for rows.Next() {
		var (
			r            loyalty.LiveSpendRecord
			date, amount string
			category     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.CustomerID, &date, &amount, &category, &r.PaymentState); err != nil {
			return nil, fmt.Errorf("failed to scan live transaction: %w", err)
		}
		r.Date = parseTime(date)
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("live transaction %s amount: %w", r.ID, err)
		}
		r.Category = category.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read live transactions: %w", err)
	}
	return records, nil
}

func (s *Store) HistoricalSpend(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.HistoricalSpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, date, amount, category, is_synthetic
		FROM historical_spend WHERE customer_id = ? ORDER BY date DESC
	`, customerID)
	if err != nil {
		if isMissingTableError(err) {
			return nil, loyalty.ErrSourceUnavailable
		}
		return nil, fmt.Errorf("failed to query historical spend: %w", err)
	}
	defer rows.Close()

	var records []loyalty.HistoricalSpendRecord
	for rows.Next() {
		var (
			r            loyalty.HistoricalSpendRecord
			date, amount string
			category     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.CustomerID, &date, &amount, &category, &r.IsSynthetic); err != nil {
			return nil, fmt.Errorf("failed to scan historical spend: %w", err)
		}
		r.Date = parseTime(date)
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("historical spend %s amount: %w", r.ID, err)
		}
		r.Category = category.String
		records = append(records, r)
	}
	// A schema change under a pooled connection surfaces here, not at QueryContext.
	if err := rows.Err(); err != nil {
		if isMissingTableError(err) {
			return nil, loyalty.ErrSourceUnavailable
		}
		return nil, fmt.Errorf("failed to read historical spend: %w", err)
	}
	return records, nil
}

// =============================================================================
// SPEND INTAKE (loyalty.SpendIntake interface)
// =============================================================================

func (s *Store) RecordLiveTransaction(ctx context.Context, r loyalty.LiveSpendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE id = ?`, r.CustomerID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check customer: %w", err)
	}
	if exists == 0 {
		return loyalty.ErrCustomerNotFound
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_transactions (id, customer_id, date, amount, category, payment_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.CustomerID, formatTime(r.Date), r.Amount.String(), nullString(r.Category), r.PaymentState)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to record live transaction: %w", err)
	}
	return nil
}

func (s *Store) UpdatePaymentState(ctx context.Context, id string, state loyalty.PaymentState) (*loyalty.LiveSpendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE live_transactions SET payment_state = ? WHERE id = ?`, state, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	records, err := s.queryLive(ctx, `
		SELECT id, customer_id, date, amount, category, payment_state
		FROM live_transactions WHERE id = ?
	`, id)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// ImportHistorical inserts archive rows in one transaction. Rows whose id
// was already imported are skipped, so re-running an import is safe.
func (s *Store) ImportHistorical(ctx context.Context, records []loyalty.HistoricalSpendRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	imported := 0
	for _, r := range records {
		res, err := sqlTx.ExecContext(ctx, `
			INSERT OR IGNORE INTO historical_spend (id, customer_id, date, amount, category, is_synthetic)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, r.CustomerID, formatTime(r.Date), r.Amount.String(), nullString(r.Category), r.IsSynthetic)
		if err != nil {
			if isMissingTableError(err) {
				return 0, loyalty.ErrSourceUnavailable
			}
			return 0, fmt.Errorf("failed to import historical spend: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported++
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}

// =============================================================================
// COOLDOWN (loyalty.CooldownStore interface)
// =============================================================================

// AcquireSendSlot claims the channel's slot with a versioned compare-and-set,
// so two processes racing for the same window cannot both win.
func (s *Store) AcquireSendSlot(ctx context.Context, channel string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		lastSend string
		version  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_send_at, version FROM delivery_cooldowns WHERE channel = ?`, channel,
	).Scan(&lastSend, &version)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO delivery_cooldowns (channel, last_send_at, version) VALUES (?, ?, 1)
			ON CONFLICT(channel) DO NOTHING
		`, channel, formatTime(now))
		if err != nil {
			return false, 0, fmt.Errorf("failed to claim send slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, cooldown, nil
		}
		return true, 0, nil
	case err != nil:
		return false, 0, fmt.Errorf("failed to read send slot: %w", err)
	}

	if elapsed := now.Sub(parseTime(lastSend)); elapsed < cooldown {
		return false, cooldown - elapsed, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_cooldowns SET last_send_at = ?, version = version + 1
		WHERE channel = ? AND version = ?
	`, formatTime(now), channel, version)
	if err != nil {
		return false, 0, fmt.Errorf("failed to claim send slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another process claimed it between the read and the update.
		return false, cooldown, nil
	}
	return true, 0, nil
}

func (s *Store) LastSend(ctx context.Context, channel string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastSend string
	err := s.db.QueryRowContext(ctx, `SELECT last_send_at FROM delivery_cooldowns WHERE channel = ?`, channel).Scan(&lastSend)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read send slot: %w", err)
	}
	return parseTime(lastSend), nil
}

var _ loyalty.Backend = (*Store)(nil)

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (loyalty.RewardDefinition, error) {
	var (
		def         loyalty.RewardDefinition
		description sql.NullString
		updatedAt   string
	)
	if err := row.Scan(&def.Category, &def.Name, &description, &def.Active, &def.ValidityDays, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, err
		}
		return def, fmt.Errorf("failed to scan definition: %w", err)
	}
	def.Description = description.String
	def.UpdatedAt = parseTime(updatedAt)
	return def, nil
}

func scanGrant(row scanner) (loyalty.RewardGrant, error) {
	var (
		g                                                     loyalty.RewardGrant
		spend, grantedAt, expiresAt                           string
		approvedAt, sentAt, usedAt, expiredAt, cancelledAt    sql.NullString
		notes, approvedBy, cancelReason, message, txRef, dErr sql.NullString
		sentVia                                               sql.NullString
	)
	err := row.Scan(
		&g.ID, &g.CustomerID, &g.Category, &g.State, &g.TierBefore, &g.TierAtGrant, &spend,
		&grantedAt, &approvedAt, &sentAt, &usedAt, &expiredAt, &cancelledAt, &expiresAt,
		&g.RedemptionCode, &notes, &approvedBy, &cancelReason, &message, &txRef,
		&g.DeliveryAttempts, &dErr, &sentVia,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, err
		}
		return g, fmt.Errorf("failed to scan grant: %w", err)
	}
	if g.SpendAtGrant, err = parseDecimal(spend); err != nil {
		return g, fmt.Errorf("grant %s spend_at_grant: %w", g.ID, err)
	}
	g.GrantedAt = parseTime(grantedAt)
	g.ExpiresAt = parseTime(expiresAt)
	g.ApprovedAt = parseNullTime(approvedAt)
	g.SentAt = parseNullTime(sentAt)
	g.UsedAt = parseNullTime(usedAt)
	g.ExpiredAt = parseNullTime(expiredAt)
	g.CancelledAt = parseNullTime(cancelledAt)
	g.Notes = notes.String
	g.ApprovedBy = approvedBy.String
	g.CancelReason = cancelReason.String
	g.MessageSent = message.String
	g.RedeemedTxRef = txRef.String
	g.LastDeliveryErr = dErr.String
	g.SentVia = loyalty.Channel(sentVia.String)
	return g, nil
}

func grantArgs(g loyalty.RewardGrant) []any {
	return []any{
		g.ID, g.CustomerID, g.Category, g.State, g.TierBefore, g.TierAtGrant, g.SpendAtGrant.String(),
		formatTime(g.GrantedAt), nullTime(g.ApprovedAt), nullTime(g.SentAt), nullTime(g.UsedAt),
		nullTime(g.ExpiredAt), nullTime(g.CancelledAt), formatTime(g.ExpiresAt),
		g.RedemptionCode, nullString(g.Notes), nullString(g.ApprovedBy), nullString(g.CancelReason),
		nullString(g.MessageSent), nullString(g.RedeemedTxRef), g.DeliveryAttempts, nullString(g.LastDeliveryErr),
		nullString(string(g.SentVia)),
	}
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseDecimal reads a stored amount. A corrupt value is an error, never zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isMissingTableError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
