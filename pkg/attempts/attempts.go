// Package attempts tracks failed unlock attempts per folder and enforces a
// growing cooldown after repeated failures.
//
// State lives in a small SQLite database so it survives between CLI
// invocations: 5 failures -> 30s, 10 failures -> 5min, 20 failures -> 30min.
package attempts

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DBFileName = "attempts.db"

	CooldownThreshold1 = 5    // First cooldown threshold
	CooldownThreshold2 = 10   // Second cooldown threshold
	CooldownThreshold3 = 20   // Third cooldown threshold
	CooldownDuration1  = 30   // 30 seconds for 5 failures
	CooldownDuration2  = 300  // 5 minutes for 10 failures
	CooldownDuration3  = 1800 // 30 minutes for 20 failures
)

// Errors
var (
	ErrCooldownActive = errors.New("attempts: cooldown period active")
	ErrInvalidPolicy  = errors.New("attempts: invalid cooldown policy")
)

// Step triggers a cooldown once a folder has accumulated Failures failed
// attempts.
type Step struct {
	Failures int           `yaml:"failures"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Policy is an ordered set of cooldown steps.
type Policy []Step

// DefaultPolicy returns the standard three-step policy.
func DefaultPolicy() Policy {
	return Policy{
		{Failures: CooldownThreshold1, Cooldown: CooldownDuration1 * time.Second},
		{Failures: CooldownThreshold2, Cooldown: CooldownDuration2 * time.Second},
		{Failures: CooldownThreshold3, Cooldown: CooldownDuration3 * time.Second},
	}
}

// Validate checks that every step has a positive threshold and duration.
func (p Policy) Validate() error {
	for i, s := range p {
		if s.Failures <= 0 || s.Cooldown <= 0 {
			return fmt.Errorf("%w: step %d must have positive failures and cooldown", ErrInvalidPolicy, i+1)
		}
	}
	return nil
}

// cooldownFor returns the cooldown of the highest step reached by failures.
func (p Policy) cooldownFor(failures int) time.Duration {
	steps := make(Policy, len(p))
	copy(steps, p)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Failures > steps[j].Failures })
	for _, s := range steps {
		if failures >= s.Failures {
			return s.Cooldown
		}
	}
	return 0
}

// State is the stored attempt record of one folder.
type State struct {
	Folder         string
	FailedAttempts int
	LastAttempt    time.Time
	CooldownUntil  time.Time
	LockoutCount   int // Number of times cooldown was triggered
}

// Tracker persists attempt state.
type Tracker struct {
	db     *sql.DB
	policy Policy
	now    func() time.Time
}

// Open opens or creates the attempt database at path.
func Open(path string, policy Policy) (*Tracker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("attempts: failed to open database: %w", err)
	}
	// Single-connection mode; the CLI runs one command per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS unlock_attempts (
		folder          TEXT PRIMARY KEY,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt    INTEGER NOT NULL DEFAULT 0,
		cooldown_until  INTEGER NOT NULL DEFAULT 0,
		lockout_count   INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("attempts: failed to create tables: %w", err)
	}

	return &Tracker{db: db, policy: policy, now: time.Now}, nil
}

// Close closes the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Get returns the attempt state of folder. A folder with no record returns a
// zero State.
func (t *Tracker) Get(folder string) (*State, error) {
	state := &State{Folder: folder}
	var last, until int64
	err := t.db.QueryRow(
		"SELECT failed_attempts, last_attempt, cooldown_until, lockout_count FROM unlock_attempts WHERE folder = ?",
		folder,
	).Scan(&state.FailedAttempts, &last, &until, &state.LockoutCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, nil
		}
		return nil, fmt.Errorf("attempts: failed to read state: %w", err)
	}
	state.LastAttempt = fromUnixNano(last)
	state.CooldownUntil = fromUnixNano(until)
	return state, nil
}

// Check returns ErrCooldownActive and the remaining time if folder is in
// cooldown.
func (t *Tracker) Check(folder string) (time.Duration, error) {
	state, err := t.Get(folder)
	if err != nil {
		return 0, err
	}
	now := t.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// RecordFailure counts a failed attempt and returns the cooldown it triggered,
// or zero.
func (t *Tracker) RecordFailure(folder string) (time.Duration, error) {
	state, err := t.Get(folder)
	if err != nil {
		return 0, err
	}

	now := t.now()
	state.FailedAttempts++
	state.LastAttempt = now

	cooldown := t.policy.cooldownFor(state.FailedAttempts)
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
		state.LockoutCount++
	}

	_, err = t.db.Exec(`INSERT INTO unlock_attempts (folder, failed_attempts, last_attempt, cooldown_until, lockout_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			last_attempt    = excluded.last_attempt,
			cooldown_until  = excluded.cooldown_until,
			lockout_count   = excluded.lockout_count`,
		folder, state.FailedAttempts, toUnixNano(state.LastAttempt), toUnixNano(state.CooldownUntil), state.LockoutCount,
	)
	if err != nil {
		return cooldown, fmt.Errorf("attempts: failed to record attempt: %w", err)
	}
	return cooldown, nil
}

// Reset clears the record of folder (called on successful unlock).
func (t *Tracker) Reset(folder string) error {
	if _, err := t.db.Exec("DELETE FROM unlock_attempts WHERE folder = ?", folder); err != nil {
		return fmt.Errorf("attempts: failed to clear state: %w", err)
	}
	return nil
}

func toUnixNano(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
