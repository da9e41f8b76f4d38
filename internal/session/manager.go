package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// historyContextDepth caps how many SQL versions BuildContext renders.
const historyContextDepth = 5

type session struct {
	mu sync.Mutex

	// turn serializes whole conversational turns. It is separate from
	// mu so individual store reads stay cheap while a turn is running.
	turn sync.Mutex

	id         string
	createdAt  time.Time
	updatedAt  time.Time
	messages   []Message
	currentSQL string
	history    []SQLVersion
}

// View is a point-in-time copy of a session, safe to hand to callers.
type View struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Messages   []Message    `json:"messages"`
	CurrentSQL string       `json:"current_sql,omitempty"`
	History    []SQLVersion `json:"history,omitempty"`
}

// Manager owns all live sessions. The manager lock guards the map;
// each session carries its own lock so turns in different sessions
// never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{sessions: map[string]*session{}, logger: logger}
}

// Ensure returns the ID of an existing session, creating one when the
// given ID is empty or unknown. An empty ID mints a fresh UUID.
func (m *Manager) Ensure(id string) string {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		now := time.Now().UTC()
		m.sessions[id] = &session{id: id, createdAt: now, updatedAt: now}
		m.logger.Debug("session created", slog.String("session_id", id))
	}
	return id
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// BeginTurn claims the session for one whole conversational turn, so
// concurrent requests on the same session are processed strictly in
// arrival order. The caller must invoke the returned release function
// when the turn ends. Turns on different sessions never contend.
func (m *Manager) BeginTurn(id string) (func(), error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.turn.Lock()
	return s.turn.Unlock, nil
}

// Classify decides whether the request starts a new query or refines
// the session's current SQL. A session without current SQL always
// classifies NEW.
func (m *Manager) Classify(id, text string) (RequestKind, error) {
	s, err := m.lookup(id)
	if err != nil {
		return KindNew, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return classifyText(text, s.currentSQL != ""), nil
}

func (m *Manager) AppendMessage(id string, role Role, content string, metadata map[string]string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:     role,
		Content:  content,
		Metadata: metadata,
		At:       time.Now().UTC(),
	})
	s.updatedAt = time.Now().UTC()
	return nil
}

// RecordVersion appends a new SQL version and swaps the current SQL in
// one critical section, so history and current SQL can never disagree.
func (m *Manager) RecordVersion(id, sql, userRequest, changesMade string, tablesUsed []string) (SQLVersion, error) {
	s, err := m.lookup(id)
	if err != nil {
		return SQLVersion{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := SQLVersion{
		Version:     len(s.history) + 1,
		SQL:         sql,
		UserRequest: userRequest,
		ChangesMade: changesMade,
		TablesUsed:  append([]string(nil), tablesUsed...),
		CreatedAt:   time.Now().UTC(),
	}
	s.history = append(s.history, version)
	s.currentSQL = sql
	s.updatedAt = version.CreatedAt
	return version, nil
}

func (m *Manager) CurrentSQL(id string) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSQL, nil
}

// CurrentVersion returns the most recent recorded SQL version. The
// bool reports whether any version exists yet.
func (m *Manager) CurrentVersion(id string) (SQLVersion, bool, error) {
	s, err := m.lookup(id)
	if err != nil {
		return SQLVersion{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return SQLVersion{}, false, nil
	}
	return s.history[len(s.history)-1], true, nil
}

// BuildContext serializes the session into the textual block the
// improvement prompt consumes. It is a pure read: calling it any
// number of times leaves the session untouched.
func (m *Manager) BuildContext(id string, maxMessages int) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("=== CONVERSATION HISTORY ===\n")
	messages := s.messages
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	if len(messages) == 0 {
		b.WriteString("(no messages yet)\n")
	}
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	b.WriteString("\n=== SQL EVOLUTION HISTORY ===\n")
	history := s.history
	if len(history) > historyContextDepth {
		history = history[len(history)-historyContextDepth:]
	}
	if len(history) == 0 {
		b.WriteString("(no SQL generated yet)\n")
	}
	for _, version := range history {
		fmt.Fprintf(&b, "Version %d (request: %s):\n%s\n", version.Version, version.UserRequest, version.SQL)
		if version.ChangesMade != "" {
			fmt.Fprintf(&b, "Changes: %s\n", version.ChangesMade)
		}
	}

	b.WriteString("\n=== CURRENT STATE ===\n")
	if s.currentSQL == "" {
		b.WriteString("No active SQL.\n")
	} else {
		fmt.Fprintf(&b, "Current SQL:\n%s\n", s.currentSQL)
	}
	return b.String(), nil
}

// Snapshot copies the session for read-only consumers such as the API.
func (m *Manager) Snapshot(id string) (View, error) {
	s, err := m.lookup(id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view := View{
		ID:         s.id,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
		CurrentSQL: s.currentSQL,
		Messages:   append([]Message(nil), s.messages...),
		History:    append([]SQLVersion(nil), s.history...),
	}
	return view, nil
}

// Clear wipes a session's transcript and SQL state but keeps the ID
// alive, matching the chat surface's "clear conversation" action.
func (m *Manager) Clear(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.history = nil
	s.currentSQL = ""
	s.updatedAt = time.Now().UTC()
	return nil
}

func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
