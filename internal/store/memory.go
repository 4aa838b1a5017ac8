package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"video-pipeline/internal/models"
)

// Memory is an in-memory user store and payment log, used when no Postgres
// DSN is configured (local development) and by tests.
type Memory struct {
	mu       sync.Mutex
	users    map[string]models.User
	payments map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		payments: make(map[string]string),
	}
}

func (m *Memory) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return user, nil
}

func (m *Memory) CreateUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.ID] = user
	return nil
}

func (m *Memory) SaveUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.ID]; !exists {
		return models.ErrUserNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) MarkCredited(_ context.Context, paymentRef, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.payments[paymentRef]; seen {
		return false, nil
	}
	m.payments[paymentRef] = userID
	return true, nil
}
