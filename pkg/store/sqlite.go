package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store persists the conversational domain to SQLite.
// It is suitable for single-process production use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL UNIQUE,
	channel TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id),
	turn_id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	preferences TEXT NOT NULL DEFAULT '{}',
	first_contact INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_contexts (
	user_id TEXT PRIMARY KEY,
	summary TEXT NOT NULL DEFAULT '',
	conversation_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_actions (
	id TEXT PRIMARY KEY,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id),
	run_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	note TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_actions_run
	ON pending_actions(run_id);
CREATE INDEX IF NOT EXISTS idx_pending_actions_status
	ON pending_actions(status);

CREATE TABLE IF NOT EXISTS dataset_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	quality TEXT NOT NULL,
	user_text TEXT NOT NULL,
	agent_text TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dataset_items_category
	ON dataset_items(category, quality, active);
`

// Open creates or opens a store at path. Use ":memory:" for testing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// --- conversations ---

// EnsureConversation returns the user's conversation, creating it on first
// contact. There is one conversation per user regardless of channel; the
// channel column tracks the most recent one.
func (s *Store) EnsureConversation(ctx context.Context, userID, channel string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return Conversation{}, err
	}

	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			channel = excluded.channel,
			updated_at = excluded.updated_at
	`, userID, channel, ts, ts)
	if err != nil {
		return Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}

	return s.conversationByUser(ctx, userID)
}

// Conversation returns a conversation by ID.
func (s *Store) Conversation(ctx context.Context, id int64) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return Conversation{}, err
	}

	var c Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.Channel, &created, &updated)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	return c, nil
}

// ConversationByUser looks up a user's conversation. Conversations are
// one per user, so the lookup is unambiguous.
func (s *Store) ConversationByUser(ctx context.Context, userID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return Conversation{}, err
	}
	return s.conversationByUser(ctx, userID)
}

// conversationByUser is the lock-free variant for callers already holding
// the mutex.
func (s *Store) conversationByUser(ctx context.Context, userID string) (Conversation, error) {
	var c Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, created_at, updated_at
		FROM conversations WHERE user_id = ?
	`, userID).Scan(&c.ID, &c.UserID, &c.Channel, &created, &updated)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	return c, nil
}

// --- messages ---

// AppendMessage appends a turn to a conversation. The turn ID makes the
// write idempotent: re-appending an already-persisted turn is a no-op and
// reports inserted=false.
func (s *Store) AppendMessage(ctx context.Context, m Message) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, turn_id, sender, channel, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO NOTHING
	`, m.ConversationID, m.TurnID, string(m.Sender), m.Channel, m.Content, now())
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	return n > 0, nil
}

// RecentMessages returns the last limit messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, turn_id, sender, channel, content, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sender, created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TurnID, &sender, &m.Channel, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = Sender(sender)
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- user profiles ---

// Profile returns the profile for a user. Returns ErrNotFound for users
// never seen before.
func (s *Store) Profile(ctx context.Context, userID string) (UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return UserProfile{}, err
	}

	var p UserProfile
	var prefs, updated string
	var first int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, email, phone, preferences, first_contact, updated_at
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Name, &p.Email, &p.Phone, &prefs, &first, &updated)
	if err == sql.ErrNoRows {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("load profile: %w", err)
	}

	if err := json.Unmarshal([]byte(prefs), &p.Preferences); err != nil {
		return UserProfile{}, fmt.Errorf("decode preferences: %w", err)
	}
	p.FirstContact = first != 0
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// SaveProfile upserts a user profile.
func (s *Store) SaveProfile(ctx context.Context, p UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return err
	}

	if p.Preferences == nil {
		p.Preferences = map[string]string{}
	}
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	first := 0
	if p.FirstContact {
		first = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, name, email, phone, preferences, first_contact, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			preferences = excluded.preferences,
			first_contact = excluded.first_contact,
			updated_at = excluded.updated_at
	`, p.UserID, p.Name, p.Email, p.Phone, string(prefs), first, now())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// --- user contexts ---

// Context returns the long-term context for a user. Returns ErrNotFound
// for users with no accumulated context yet.
func (s *Store) Context(ctx context.Context, userID string) (UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return UserContext{}, err
	}

	var uc UserContext
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, summary, conversation_count, updated_at
		FROM user_contexts WHERE user_id = ?
	`, userID).Scan(&uc.UserID, &uc.Summary, &uc.ConversationCount, &updated)
	if err == sql.ErrNoRows {
		return UserContext{}, ErrNotFound
	}
	if err != nil {
		return UserContext{}, fmt.Errorf("load context: %w", err)
	}
	uc.UpdatedAt = parseTime(updated)
	return uc, nil
}

// SaveContext upserts the long-term context for a user.
func (s *Store) SaveContext(ctx context.Context, uc UserContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_contexts (user_id, summary, conversation_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			summary = excluded.summary,
			conversation_count = excluded.conversation_count,
			updated_at = excluded.updated_at
	`, uc.UserID, uc.Summary, uc.ConversationCount, now())
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

// --- pending actions ---

// CreatePendingAction records a critical action awaiting a decision. The
// write is idempotent per run: a retry of the creating node finds the
// existing row and returns it instead of inserting a duplicate.
func (s *Store) CreatePendingAction(ctx context.Context, a PendingAction) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return PendingAction{}, err
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (id, conversation_id, run_id, action_type, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, a.ID, a.ConversationID, a.RunID, a.ActionType, a.Description, string(StatusPending), now())
	if err != nil {
		return PendingAction{}, fmt.Errorf("create pending action: %w", err)
	}

	return s.actionByRun(ctx, a.RunID)
}

// PendingActionByID returns a pending action by ID.
func (s *Store) PendingActionByID(ctx context.Context, id string) (PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return PendingAction{}, err
	}
	return s.scanAction(s.db.QueryRowContext(ctx, actionSelect+` WHERE id = ?`, id))
}

// PendingActionByRun returns the action created by a workflow run.
func (s *Store) PendingActionByRun(ctx context.Context, runID string) (PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return PendingAction{}, err
	}
	return s.actionByRun(ctx, runID)
}

// PendingActionForConversation returns the conversation's action still
// awaiting a decision, if any.
func (s *Store) PendingActionForConversation(ctx context.Context, conversationID int64) (PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return PendingAction{}, err
	}
	return s.scanAction(s.db.QueryRowContext(ctx, actionSelect+`
		WHERE conversation_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, string(StatusPending)))
}

// ListPendingActions returns all actions still awaiting a decision, oldest
// first.
func (s *Store) ListPendingActions(ctx context.Context) ([]PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, actionSelect+`
		WHERE status = ? ORDER BY created_at ASC
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListPendingActionsForConversation returns a conversation's undecided
// actions, oldest first.
func (s *Store) ListPendingActionsForConversation(ctx context.Context, conversationID int64) ([]PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, actionSelect+`
		WHERE conversation_id = ? AND status = ? ORDER BY created_at ASC
	`, conversationID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ResolveAction records an operator decision. The transition is
// conditional on the action still being pending, so exactly one decision
// wins: a duplicate or conflicting decision returns ErrAlreadyResolved.
func (s *Store) ResolveAction(ctx context.Context, id string, approve bool, note string) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return PendingAction{}, err
	}

	status := StatusRejected
	if approve {
		status = StatusApproved
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, note = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), note, now(), id, string(StatusPending))
	if err != nil {
		return PendingAction{}, fmt.Errorf("resolve action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return PendingAction{}, fmt.Errorf("resolve action: %w", err)
	}
	if n == 0 {
		// Either the action doesn't exist or a decision already landed.
		a, err := s.scanAction(s.db.QueryRowContext(ctx, actionSelect+` WHERE id = ?`, id))
		if err != nil {
			return PendingAction{}, err
		}
		return a, ErrAlreadyResolved
	}

	return s.scanAction(s.db.QueryRowContext(ctx, actionSelect+` WHERE id = ?`, id))
}

// MarkActionExecuted transitions an approved action to executed, after the
// workflow has performed it.
func (s *Store) MarkActionExecuted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET status = ?
		WHERE id = ? AND status = ?
	`, string(StatusExecuted), id, string(StatusApproved))
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelActionsForConversation cancels any still-pending actions of a
// conversation, releasing them from operator queues.
func (s *Store) CancelActionsForConversation(ctx context.Context, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, resolved_at = ?
		WHERE conversation_id = ? AND status = ?
	`, string(StatusCancelled), now(), conversationID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("cancel actions: %w", err)
	}
	return res.RowsAffected()
}

const actionSelect = `
	SELECT id, conversation_id, run_id, action_type, description, status, note, created_at, resolved_at
	FROM pending_actions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAction(row rowScanner) (PendingAction, error) {
	var a PendingAction
	var status, created string
	var resolved sql.NullString
	err := row.Scan(&a.ID, &a.ConversationID, &a.RunID, &a.ActionType,
		&a.Description, &status, &a.Note, &created, &resolved)
	if err == sql.ErrNoRows {
		return PendingAction{}, ErrNotFound
	}
	if err != nil {
		return PendingAction{}, fmt.Errorf("scan action: %w", err)
	}
	a.Status = ActionStatus(status)
	a.CreatedAt = parseTime(created)
	if resolved.Valid {
		t := parseTime(resolved.String)
		a.ResolvedAt = &t
	}
	return a, nil
}

func (s *Store) actionByRun(ctx context.Context, runID string) (PendingAction, error) {
	return s.scanAction(s.db.QueryRowContext(ctx, actionSelect+` WHERE run_id = ?`, runID))
}

// --- dataset ---

// AddExample inserts a curated example into the dataset.
func (s *Store) AddExample(ctx context.Context, item DatasetItem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return 0, err
	}

	active := 0
	if item.Active {
		active = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_items (category, quality, user_text, agent_text, source, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.Category, string(item.Quality), item.UserText, item.AgentText, item.Source, active, now())
	if err != nil {
		return 0, fmt.Errorf("add example: %w", err)
	}
	return res.LastInsertId()
}

// Examples returns active examples of a category and quality tier, in
// insertion order, up to limit. Category "" matches all categories.
func (s *Store) Examples(ctx context.Context, category string, quality Quality, limit int) ([]DatasetItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, category, quality, user_text, agent_text, source, active, created_at
		FROM dataset_items
		WHERE active = 1 AND quality = ?`
	args := []any{string(quality)}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	defer rows.Close()

	var items []DatasetItem
	for rows.Next() {
		var it DatasetItem
		var quality, created string
		var active int
		if err := rows.Scan(&it.ID, &it.Category, &quality, &it.UserText, &it.AgentText, &it.Source, &active, &created); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		it.Quality = Quality(quality)
		it.Active = active != 0
		it.CreatedAt = parseTime(created)
		items = append(items, it)
	}
	return items, rows.Err()
}
