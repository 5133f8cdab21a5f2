package fvbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Recorder passively records controllers and registers seen on the bus,
// from the gateway's own traffic and from relayed clients alike, plus the
// relay sessions that produced traffic.
//
// It implements TrafficTap. The database must have the bus_controllers,
// bus_registers and relay_sessions tables (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	controllerStmt *sql.Stmt
	registerStmt   *sql.Stmt
	sessionTxStmt  *sql.Stmt
	stmtMu         sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// ControllerObservation is one bus_controllers row.
type ControllerObservation struct {
	Controller  string    `json:"controller"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	SelectCount int64     `json:"select_count"`
	LastStatus  string    `json:"last_status"`
}

// RegisterObservation is one bus_registers row.
type RegisterObservation struct {
	Controller       string    `json:"controller"`
	Register         string    `json:"register"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	TransactionCount int64     `json:"transaction_count"`
	LastValue        string    `json:"last_value,omitempty"`
	LastStatus       string    `json:"last_status"`
	LastOrigin       string    `json:"last_origin"`
}

// RelaySession is one relay_sessions row.
type RelaySession struct {
	ID               string     `json:"id"`
	RemoteAddr       string     `json:"remote_addr"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	TransactionCount int64      `json:"transaction_count"`
}

// Ensure Recorder implements TrafficTap.
var _ TrafficTap = (*Recorder)(nil)

// NewRecorder creates a recorder over db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use. Must be called before Transaction.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.controllerStmt != nil {
		return nil
	}

	controllerStmt, err := r.db.Prepare(`
		INSERT INTO bus_controllers (controller, first_seen, last_seen, select_count, last_status)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(controller) DO UPDATE SET
			last_seen = excluded.last_seen,
			select_count = select_count + 1,
			last_status = excluded.last_status
	`)
	if err != nil {
		return fmt.Errorf("preparing controller upsert statement: %w", err)
	}

	registerStmt, err := r.db.Prepare(`
		INSERT INTO bus_registers (controller, register, first_seen, last_seen,
			transaction_count, last_value, last_status, last_origin)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(controller, register) DO UPDATE SET
			last_seen = excluded.last_seen,
			transaction_count = transaction_count + 1,
			last_value = COALESCE(excluded.last_value, last_value),
			last_status = excluded.last_status,
			last_origin = excluded.last_origin
	`)
	if err != nil {
		controllerStmt.Close()
		return fmt.Errorf("preparing register upsert statement: %w", err)
	}

	sessionTxStmt, err := r.db.Prepare(`
		UPDATE relay_sessions SET transaction_count = transaction_count + 1
		WHERE session_id = ?
	`)
	if err != nil {
		controllerStmt.Close()
		registerStmt.Close()
		return fmt.Errorf("preparing session update statement: %w", err)
	}

	r.controllerStmt = controllerStmt
	r.registerStmt = registerStmt
	r.sessionTxStmt = sessionTxStmt
	r.log("observation recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	for _, stmt := range []**sql.Stmt{&r.controllerStmt, &r.registerStmt, &r.sessionTxStmt} {
		if *stmt != nil {
			(*stmt).Close()
			*stmt = nil
		}
	}

	r.log("observation recorder stopped")
}

// Transaction records the controller or register a transaction addressed.
func (r *Recorder) Transaction(t Transaction) {
	if r.isClosed() {
		return
	}

	r.stmtMu.Lock()
	controllerStmt, registerStmt, sessionTxStmt := r.controllerStmt, r.registerStmt, r.sessionTxStmt
	r.stmtMu.Unlock()

	if controllerStmt == nil {
		return
	}

	at := t.Started.Unix()
	status := observedStatus(t)

	switch t.Verb() {
	case CmdSelect:
		if t.Controller != "" {
			if _, err := controllerStmt.Exec(t.Controller, at, at, status); err != nil {
				r.logError("recording controller", err)
			}
		}
	case CmdRead, CmdSet:
		if t.Controller != "" {
			var value sql.NullString
			if v := t.Value(); v != "" {
				value = sql.NullString{String: v, Valid: true}
			}
			if _, err := registerStmt.Exec(t.Controller, t.Register(), at, at,
				value, status, string(t.Origin)); err != nil {
				r.logError("recording register", err)
			}
		}
	}

	if t.Session != "" {
		if _, err := sessionTxStmt.Exec(t.Session); err != nil {
			r.logError("recording session transaction", err)
		}
	}
}

// observedStatus distinguishes a well-formed line that was not the
// expected answer from a clean OK.
func observedStatus(t Transaction) string {
	if t.Reply.Status != ReplyOK {
		return t.Reply.Status.String()
	}
	switch t.Verb() {
	case CmdSelect:
		if t.Reply.Line != selectConfirmation(t.Controller) {
			return "MISMATCH"
		}
	case CmdRead, CmdSet:
		if _, err := t.Result(); err != nil {
			return "MISMATCH"
		}
	}
	return "OK"
}

// SessionOpened records a new relay session.
func (r *Recorder) SessionOpened(ctx context.Context, id, remote string, at time.Time) error {
	if r.isClosed() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO relay_sessions (session_id, remote_addr, opened_at) VALUES (?, ?, ?)
	`, id, remote, at.Unix())
	if err != nil {
		return fmt.Errorf("recording relay session: %w", err)
	}
	return nil
}

// SessionClosed marks a relay session as finished.
func (r *Recorder) SessionClosed(ctx context.Context, id string, at time.Time) error {
	if r.isClosed() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE relay_sessions SET closed_at = ? WHERE session_id = ?
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("closing relay session: %w", err)
	}
	return nil
}

// Controllers returns every recorded controller, most recently seen first.
func (r *Recorder) Controllers(ctx context.Context) ([]ControllerObservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT controller, first_seen, last_seen, select_count, last_status
		FROM bus_controllers ORDER BY last_seen DESC, controller ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ControllerObservation
	for rows.Next() {
		var (
			o           ControllerObservation
			first, last int64
		)
		if err := rows.Scan(&o.Controller, &first, &last, &o.SelectCount, &o.LastStatus); err != nil {
			return nil, err
		}
		o.FirstSeen = time.Unix(first, 0)
		o.LastSeen = time.Unix(last, 0)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Registers returns the recorded registers of one controller, by name.
func (r *Recorder) Registers(ctx context.Context, controller string) ([]RegisterObservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT controller, register, first_seen, last_seen, transaction_count,
			last_value, last_status, last_origin
		FROM bus_registers WHERE controller = ? ORDER BY register ASC
	`, controller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegisterObservation
	for rows.Next() {
		var (
			o           RegisterObservation
			first, last int64
			value       sql.NullString
		)
		if err := rows.Scan(&o.Controller, &o.Register, &first, &last,
			&o.TransactionCount, &value, &o.LastStatus, &o.LastOrigin); err != nil {
			return nil, err
		}
		o.FirstSeen = time.Unix(first, 0)
		o.LastSeen = time.Unix(last, 0)
		o.LastValue = value.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Sessions returns the most recent relay sessions.
func (r *Recorder) Sessions(ctx context.Context, limit int) ([]RelaySession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, remote_addr, opened_at, closed_at, transaction_count
		FROM relay_sessions ORDER BY opened_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RelaySession
	for rows.Next() {
		var (
			s      RelaySession
			opened int64
			closed sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.RemoteAddr, &opened, &closed, &s.TransactionCount); err != nil {
			return nil, err
		}
		s.OpenedAt = time.Unix(opened, 0)
		if closed.Valid {
			c := time.Unix(closed.Int64, 0)
			s.ClosedAt = &c
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ControllerCount returns the number of recorded controllers.
func (r *Recorder) ControllerCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_controllers`).Scan(&count)
	return count, err
}

// RegisterCount returns the number of recorded registers.
func (r *Recorder) RegisterCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_registers`).Scan(&count)
	return count, err
}

func (r *Recorder) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
