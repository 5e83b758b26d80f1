package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/opencellcw/agentcore/pkg/models"
)

func TestCockroachAgentStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := &cockroachAgentStore{db: db}
	agent := &models.Agent{
		ID:       "agent-1",
		UserID:   "user-1",
		Name:     "support-bot",
		Model:    "claude-sonnet-4-5",
		Provider: "anthropic",
		Tools:    []string{"web_search"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO agents").
		WithArgs(agent.ID, agent.UserID, agent.Name, agent.SystemPrompt, agent.Model,
			agent.Provider, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), agent); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCockroachAgentStoreCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := &cockroachAgentStore{db: db}
	agent := &models.Agent{ID: "agent-1", UserID: "user-1", Name: "dup"}

	mock.ExpectExec("INSERT INTO agents").
		WillReturnError(errDuplicateKey{})

	if err := store.Create(context.Background(), agent); err != ErrAlreadyExists {
		t.Fatalf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

type errDuplicateKey struct{}

func (errDuplicateKey) Error() string { return "pq: duplicate key value violates unique constraint" }

func TestCockroachAgentStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := &cockroachAgentStore{db: db}
	mock.ExpectQuery("SELECT id, user_id, name").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
