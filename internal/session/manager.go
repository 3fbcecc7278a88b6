package session

import (
	"context"
	"fmt"
	"time"

	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/pkg/logger"

	"github.com/google/uuid"
)

// Manager owns the session lifecycle: creation, listing, renaming,
// deletion, and ordered retrieval of a session's messages. Append ordering
// itself is enforced inside the store (sequence numbers assigned under a
// per-session row lock); the manager is a thin policy layer on top.
type Manager struct {
	store store.SessionStore
	log   *logger.Logger
}

// NewManager creates a Manager.
func NewManager(st store.SessionStore) *Manager {
	return &Manager{
		store: st,
		log:   logger.New("session_manager", "", ""),
	}
}

// Create opens a new, empty session for the user and returns its ID.
func (m *Manager) Create(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: session requires a user", store.ErrValidation)
	}
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	m.log.WithUser(userID).WithSession(sess.ID).Info("session created")
	return sess.ID, nil
}

// List returns the user's sessions, most recently updated first.
func (m *Manager) List(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	return m.store.ListSessions(ctx, userID)
}

// Get returns the most recent limit messages of a session in chronological
// order. Unknown session IDs fail with ErrNotFound.
func (m *Manager) Get(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error) {
	if err := m.authorize(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return m.store.GetMessages(ctx, sessionID, limit)
}

// Rename sets the session title.
func (m *Manager) Rename(ctx context.Context, userID, sessionID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title must not be empty", store.ErrValidation)
	}
	if err := m.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	return m.store.RenameSession(ctx, sessionID, title)
}

// Delete removes the session and all of its messages.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	if err := m.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.log.WithUser(userID).WithSession(sessionID).Info("session deleted")
	return nil
}

// Ensure returns the session ID, creating a fresh session when the caller
// did not supply one. A supplied ID must exist and belong to the user.
func (m *Manager) Ensure(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID == "" {
		return m.Create(ctx, userID)
	}
	if err := m.authorize(ctx, userID, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// authorize confirms the session exists and is owned by the user. Foreign
// sessions are reported as not found rather than forbidden, so session IDs
// leak nothing across users.
func (m *Manager) authorize(ctx context.Context, userID, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return store.ErrNotFound
	}
	return nil
}
