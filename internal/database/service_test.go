package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"usdt-custody-go/internal/models"
)

// recordingNotifier captures dispatched notifications for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	entries []models.Notification
}

func (n *recordingNotifier) Notify(recipient, title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, models.Notification{Recipient: recipient, Title: title, Body: body})
}

func (n *recordingNotifier) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Notification, len(n.entries))
	copy(out, n.entries)
	return out
}

// setupTestDb creates a file-backed database in a temp dir. A single
// connection serializes writers; SQLite surfaces busy errors to concurrent
// transactions otherwise, and the claim logic is what these tests exercise.
func setupTestDb(t *testing.T) (*Service, *recordingNotifier, func()) {
	t.Helper()

	notifier := &recordingNotifier{}
	service, err := NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
	}, notifier)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		service.Close()
	}
	return service, notifier, cleanup
}
