// Package store persists application firewall rules in SQLite.
//
// All multi-statement mutations run inside an explicit transaction and
// roll back as a unit; read paths are plain point lookups and scans.
// The pure-Go driver (modernc.org/sqlite) keeps the binary CGO-free for
// cross-compilation.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/palisade/internal/clock"
	"grimm.is/palisade/internal/rule"
)

// ErrNotFound is returned when a rule id does not exist.
var ErrNotFound = errors.New("rule not found")

const schema = `
CREATE TABLE IF NOT EXISTS app_group (
	app_group_id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_index INTEGER NOT NULL UNIQUE,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS app (
	app_id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_group_id INTEGER NOT NULL REFERENCES app_group(app_group_id),
	origin_path TEXT NOT NULL,
	path TEXT UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	is_wildcard INTEGER NOT NULL DEFAULT 0,
	use_group_perm INTEGER NOT NULL DEFAULT 0,
	apply_child INTEGER NOT NULL DEFAULT 0,
	kill_child INTEGER NOT NULL DEFAULT 0,
	lan_only INTEGER NOT NULL DEFAULT 0,
	log_blocked INTEGER NOT NULL DEFAULT 0,
	log_conn INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	kill_process INTEGER NOT NULL DEFAULT 0,
	accept_zones INTEGER NOT NULL DEFAULT 0,
	reject_zones INTEGER NOT NULL DEFAULT 0,
	end_time INTEGER,
	creat_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_alert (
	app_id INTEGER PRIMARY KEY REFERENCES app(app_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_app_end_time ON app(end_time) WHERE end_time IS NOT NULL;
`

// selectRuleFields is shared by every rule-returning query; the scan
// order must match scanRule.
const selectRuleFields = `
	t.app_id,
	t.origin_path,
	t.path,
	t.name,
	t.is_wildcard,
	t.use_group_perm,
	t.apply_child,
	t.kill_child,
	t.lan_only,
	t.log_blocked,
	t.log_conn,
	t.blocked,
	t.kill_process,
	t.accept_zones,
	t.reject_zones,
	t.end_time,
	t.creat_time,
	g.order_index,
	(alert.app_id IS NOT NULL)`

const selectRuleFrom = ` FROM app t
	JOIN app_group g ON g.app_group_id = t.app_group_id
	LEFT JOIN app_alert alert ON alert.app_id = t.app_id`

// Store is the SQLite-backed policy store.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Options configures the store.
type Options struct {
	// Path is the database file path (":memory:" for tests).
	Path string

	// Clock is the time source for creat_time stamps. Defaults to the
	// system clock.
	Clock clock.Clock
}

// Open opens (creating if needed) the policy database.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open policy db: %w", err)
	}

	// The modernc driver mishandles concurrent connections to the same
	// in-memory database; a single connection also matches the
	// single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create policy schema: %w", err)
	}

	c := opts.Clock
	if c == nil {
		c = &clock.RealClock{}
	}

	return &Store{db: db, clock: c}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SyncGroups reconciles the configured group list into the group table
// and returns the groups with their store-assigned ids filled in.
// Groups are keyed by order index; renames and enabled-state changes
// update in place.
func (s *Store) SyncGroups(groups []rule.Group) ([]rule.Group, error) {
	out := make([]rule.Group, len(groups))

	err := s.withTx(func(tx *sql.Tx) error {
		for i, g := range groups {
			res := tx.QueryRow(`
				INSERT INTO app_group(order_index, name, enabled) VALUES(?, ?, ?)
				ON CONFLICT(order_index) DO UPDATE SET name = ?2, enabled = ?3
				RETURNING app_group_id`,
				g.OrderIndex, g.Name, boolInt(g.Enabled))
			if err := res.Scan(&g.ID); err != nil {
				return fmt.Errorf("sync group %q: %w", g.Name, err)
			}
			out[i] = g
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert inserts a rule or, on a path collision, overwrites the
// existing row in place, returning the resolved id. The alert side
// table is reconciled to match r.Alerted in the same transaction.
func (s *Store) Upsert(r *rule.Rule, groupID int64) (int64, error) {
	var id int64

	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			INSERT INTO app(app_group_id, origin_path, path, name,
				is_wildcard, use_group_perm, apply_child, kill_child,
				lan_only, log_blocked, log_conn, blocked, kill_process,
				accept_zones, reject_zones, end_time, creat_time)
			VALUES(?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17)
			ON CONFLICT(path) DO UPDATE
			SET app_group_id = ?1, origin_path = ?2, name = ?4,
				is_wildcard = ?5, use_group_perm = ?6,
				apply_child = ?7, kill_child = ?8,
				lan_only = ?9, log_blocked = ?10, log_conn = ?11,
				blocked = ?12, kill_process = ?13,
				accept_zones = ?14, reject_zones = ?15, end_time = ?16
			RETURNING app_id`,
			groupID, r.OriginPath, nullPath(r.Path), r.Name,
			boolInt(r.IsWildcard), boolInt(r.UseGroupPerm),
			boolInt(r.ApplyChild), boolInt(r.KillChild),
			boolInt(r.LanOnly), boolInt(r.LogBlocked), boolInt(r.LogConn),
			boolInt(r.Blocked), boolInt(r.KillProcess),
			r.AcceptZones, r.RejectZones, nullTime(r.EndTime),
			s.clock.Now().UnixMilli())
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("upsert rule: %w", err)
		}

		return s.reconcileAlert(tx, id, r.Alerted)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Update overwrites all writable fields of an existing rule. An
// explicit full edit always counts as confirmation, so the alert
// side record is cleared unconditionally.
func (s *Store) Update(r *rule.Rule, groupID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE app
			SET app_group_id = ?2, origin_path = ?3, path = ?4,
				name = ?5, is_wildcard = ?6, use_group_perm = ?7,
				apply_child = ?8, kill_child = ?9, lan_only = ?10,
				log_blocked = ?11, log_conn = ?12,
				blocked = ?13, kill_process = ?14,
				accept_zones = ?15, reject_zones = ?16, end_time = ?17
			WHERE app_id = ?1`,
			r.ID, groupID, r.OriginPath, nullPath(r.Path),
			r.Name, boolInt(r.IsWildcard), boolInt(r.UseGroupPerm),
			boolInt(r.ApplyChild), boolInt(r.KillChild), boolInt(r.LanOnly),
			boolInt(r.LogBlocked), boolInt(r.LogConn),
			boolInt(r.Blocked), boolInt(r.KillProcess),
			r.AcceptZones, r.RejectZones, nullTime(r.EndTime))
		if err != nil {
			return fmt.Errorf("update rule %d: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update rule %d: %w", r.ID, ErrNotFound)
		}

		return s.reconcileAlert(tx, r.ID, false)
	})
}

// UpdateName changes only the display name. The alert flag is left
// untouched.
func (s *Store) UpdateName(id int64, name string) error {
	res, err := s.db.Exec(`UPDATE app SET name = ?2 WHERE app_id = ?1`, id, name)
	if err != nil {
		return fmt.Errorf("rename rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename rule %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateBlocked flips the enforcement state. Any transition through
// here clears the scheduled end time and the alert flag.
func (s *Store) UpdateBlocked(id int64, blocked, killProcess bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE app SET blocked = ?2, kill_process = ?3, end_time = NULL
			WHERE app_id = ?1`,
			id, boolInt(blocked), boolInt(killProcess))
		if err != nil {
			return fmt.Errorf("set blocked on rule %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("set blocked on rule %d: %w", id, ErrNotFound)
		}

		return s.reconcileAlert(tx, id, false)
	})
}

// Delete removes a rule, returning the path and wildcard flag the
// driver sync step needs to decide between a delta removal and a full
// resync. The alert row is removed in the same transaction (the schema
// also cascades, for callers going around the store).
func (s *Store) Delete(id int64) (path string, isWildcard bool, err error) {
	err = s.withTx(func(tx *sql.Tx) error {
		var p sql.NullString
		var wc int
		row := tx.QueryRow(`DELETE FROM app WHERE app_id = ?1 RETURNING path, is_wildcard`, id)
		if err := row.Scan(&p, &wc); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("delete rule %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("delete rule %d: %w", id, err)
		}
		path = p.String
		isWildcard = wc != 0

		if _, err := tx.Exec(`DELETE FROM app_alert WHERE app_id = ?1`, id); err != nil {
			return fmt.Errorf("delete rule %d alert: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return path, isWildcard, nil
}

// RuleByID loads one rule with its group index and alert flag.
func (s *Store) RuleByID(id int64) (rule.Rule, error) {
	row := s.db.QueryRow(`SELECT`+selectRuleFields+selectRuleFrom+` WHERE t.app_id = ?1`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rule.Rule{}, ErrNotFound
	}
	if err != nil {
		return rule.Rule{}, fmt.Errorf("load rule %d: %w", id, err)
	}
	return r, nil
}

// RuleIDByPath returns the id of the non-wildcard rule with the given
// normalized path, or 0 when none exists.
func (s *Store) RuleIDByPath(path string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT app_id FROM app WHERE path = ?1`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup rule by path: %w", err)
	}
	return id, nil
}

// MinPendingEndTime returns the earliest scheduled block across all
// unblocked rules. ok is false when no rule is pending.
func (s *Store) MinPendingEndTime() (t time.Time, ok bool, err error) {
	var ms sql.NullInt64
	err = s.db.QueryRow(`
		SELECT MIN(end_time) FROM app
		WHERE end_time IS NOT NULL AND blocked = 0`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("min pending end time: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// ExpiredRules returns every unblocked rule whose end time has passed.
func (s *Store) ExpiredRules(asOf time.Time) ([]rule.Rule, error) {
	rows, err := s.db.Query(`SELECT`+selectRuleFields+selectRuleFrom+`
		WHERE t.end_time IS NOT NULL AND t.end_time <= ?1 AND t.blocked = 0`,
		asOf.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select expired rules: %w", err)
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Walk visits every rule in (group order, id) order, joined with its
// group index and alert flag. The visitor returns false to stop early.
func (s *Store) Walk(visit func(r rule.Rule) bool) error {
	rows, err := s.db.Query(`SELECT` + selectRuleFields + selectRuleFrom +
		` ORDER BY g.order_index, t.app_id`)
	if err != nil {
		return fmt.Errorf("walk rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return fmt.Errorf("walk rules: %w", err)
		}
		if !visit(r) {
			return nil
		}
	}
	return rows.Err()
}

// Paths returns id -> normalized path for every rule that has one.
// Used by the purge pass; wildcard rules (NULL path) are skipped.
func (s *Store) Paths() (map[int64]string, error) {
	rows, err := s.db.Query(`SELECT app_id, path FROM app WHERE path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("select rule paths: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("scan rule path: %w", err)
		}
		out[id] = path
	}
	return out, rows.Err()
}

func (s *Store) reconcileAlert(tx *sql.Tx, id int64, alerted bool) error {
	var err error
	if alerted {
		_, err = tx.Exec(`INSERT OR IGNORE INTO app_alert(app_id) VALUES(?1)`, id)
	} else {
		_, err = tx.Exec(`DELETE FROM app_alert WHERE app_id = ?1`, id)
	}
	if err != nil {
		return fmt.Errorf("reconcile alert for rule %d: %w", id, err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on any error so a
// failed call leaves no partial effects.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (rule.Rule, error) {
	var r rule.Rule
	var path sql.NullString
	var endTime sql.NullInt64
	var createTime int64
	var isWildcard, useGroupPerm, applyChild, killChild int
	var lanOnly, logBlocked, logConn, blocked, killProcess, alerted int

	err := row.Scan(&r.ID, &r.OriginPath, &path, &r.Name,
		&isWildcard, &useGroupPerm, &applyChild, &killChild,
		&lanOnly, &logBlocked, &logConn, &blocked, &killProcess,
		&r.AcceptZones, &r.RejectZones, &endTime, &createTime,
		&r.GroupIndex, &alerted)
	if err != nil {
		return rule.Rule{}, err
	}

	r.Path = path.String
	r.IsWildcard = isWildcard != 0
	r.UseGroupPerm = useGroupPerm != 0
	r.ApplyChild = applyChild != 0
	r.KillChild = killChild != 0
	r.LanOnly = lanOnly != 0
	r.LogBlocked = logBlocked != 0
	r.LogConn = logConn != 0
	r.Blocked = blocked != 0
	r.KillProcess = killProcess != 0
	r.Alerted = alerted != 0
	if endTime.Valid {
		r.EndTime = time.UnixMilli(endTime.Int64)
	}
	r.CreateTime = time.UnixMilli(createTime)

	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullPath(p string) any {
	if p == "" {
		return nil
	}
	return p
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
