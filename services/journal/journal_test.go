package journal

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rentalescrow/core/types"
)

type testEvent struct {
	evt *types.Event
}

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return db
}

func newEvent(eventType, id, status string) testEvent {
	return testEvent{evt: &types.Event{Type: eventType, Attributes: map[string]string{
		"id":     id,
		"status": status,
	}}}
}

func TestHistoryReturnsEventsInOrder(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)

	j.Emit(newEvent("rental.opened", "aa", "created"))
	j.Emit(newEvent("rental.opened", "bb", "created"))
	j.Emit(newEvent("rental.asset_deposited", "aa", "asset_only"))
	j.Emit(bareEvent{})

	history, err := j.History(context.Background(), "0xAA", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "rental.opened", history[0].Type)
	require.Equal(t, "asset_only", history[1].Status)
	require.Equal(t, "aa", history[1].Attributes["id"])
	require.Less(t, history[0].Seq, history[1].Seq)

	limited, err := j.History(context.Background(), "aa", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	_, err = j.History(context.Background(), " ", 0)
	require.Error(t, err)
}

func TestSequenceResumesAfterRestart(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	require.NoError(t, first.Record(context.Background(), newEvent("rental.opened", "cc", "created")))

	second, err := New(db, nil)
	require.NoError(t, err)
	require.NoError(t, second.Record(context.Background(), newEvent("rental.funds_deposited", "cc", "funds_only")))

	history, err := second.History(context.Background(), "cc", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(1), history[0].Seq)
	require.Equal(t, int64(2), history[1].Seq)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)

	db, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	_, err = New(db, nil)
	require.NoError(t, err)
}
