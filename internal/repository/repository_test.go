package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/consortium-dev/consortium/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := database.DB()
		require.NoError(t, err)
		_ = sqlDB.Close()
	})
	return database
}

func newTestAccount(t *testing.T, database *gorm.DB) *db.Account {
	t.Helper()
	account, err := NewAccountRepository(database).UpsertByPublicKey(
		context.Background(), fmt.Sprintf("%x%x", uuid.New(), uuid.New()))
	require.NoError(t, err)
	return account
}

func newTestSession(t *testing.T, database *gorm.DB, accountID uuid.UUID, tag string) *db.Session {
	t.Helper()
	session, created, err := NewSessionRepository(database).CreateIfAbsent(context.Background(), &db.Session{
		AccountID:       accountID,
		Tag:             tag,
		Metadata:        "cipher-metadata",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return session
}

func TestAccountUpsertByPublicKey(t *testing.T) {
	database := newTestDB(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()

	first, err := repo.UpsertByPublicKey(ctx, "aa11")
	require.NoError(t, err)
	require.NotEqual(t, uuid.UUID{}, first.ID)

	second, err := repo.UpsertByPublicKey(ctx, "aa11")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other, err := repo.UpsertByPublicKey(ctx, "bb22")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestAllocateSeqMonotonic(t *testing.T) {
	database := newTestDB(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)

	var prev int64
	for i := 0; i < 10; i++ {
		seq, err := repo.AllocateSeq(ctx, account.ID)
		require.NoError(t, err)
		require.Equal(t, prev+1, seq)
		prev = seq
	}
}

func TestAllocateSeqConcurrentNoDuplicates(t *testing.T) {
	database := newTestDB(t)
	repo := NewAccountRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)

	const n = 50
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := repo.AllocateSeq(ctx, account.ID)
			require.NoError(t, err)
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for seq := range results {
		require.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	require.Len(t, seen, n)
}

func TestAllocateSeqUnknownAccount(t *testing.T) {
	database := newTestDB(t)
	repo := NewAccountRepository(database)

	_, err := repo.AllocateSeq(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionTagIdempotency(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)

	first, created, err := repo.CreateIfAbsent(ctx, &db.Session{
		AccountID:       account.ID,
		Tag:             "T1",
		Metadata:        "m1",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.CreateIfAbsent(ctx, &db.Session{
		AccountID:       account.ID,
		Tag:             "T1",
		Metadata:        "m2",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "m1", second.Metadata, "existing session must be returned unchanged")

	// Same tag under a different account is a distinct session.
	other := newTestAccount(t, database)
	third, created, err := repo.CreateIfAbsent(ctx, &db.Session{
		AccountID:       other.ID,
		Tag:             "T1",
		Metadata:        "m3",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, third.ID)
}

func TestSessionOwnershipScoping(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()

	owner := newTestAccount(t, database)
	intruder := newTestAccount(t, database)
	session := newTestSession(t, database, owner.ID, "T1")

	got, err := repo.GetByID(ctx, owner.ID, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)

	_, err = repo.GetByID(ctx, intruder.ID, session.ID)
	require.ErrorIs(t, err, ErrNotFound)

	err = repo.Delete(ctx, intruder.ID, session.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageSequencesAndDedup(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	first, duplicate, err := repo.AppendMessage(ctx, session.ID, "cipher-1", nil)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, int64(1), first.Seq)

	localID := "L1"
	second, duplicate, err := repo.AppendMessage(ctx, session.ID, "cipher-2", &localID)
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, int64(2), second.Seq)

	// Redelivery with the same localId writes nothing.
	_, duplicate, err = repo.AppendMessage(ctx, session.ID, "cipher-2-retry", &localID)
	require.NoError(t, err)
	require.True(t, duplicate)

	messages, err := repo.ListMessages(ctx, session.ID, 150)
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

func TestAppendMessageUnknownSession(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)

	_, _, err := repo.AppendMessage(context.Background(), uuid.New(), "cipher", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMetadataVersionDiscipline(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	res, err := repo.UpdateMetadata(ctx, account.ID, session.ID, 1, "v2-cipher")
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Status)
	require.Equal(t, 2, res.Version)
	require.Equal(t, "v2-cipher", *res.Value)

	// Stale expected version reports the current winner.
	res, err = repo.UpdateMetadata(ctx, account.ID, session.ID, 1, "stale-cipher")
	require.NoError(t, err)
	require.Equal(t, UpdateVersionMismatch, res.Status)
	require.Equal(t, 2, res.Version)
	require.Equal(t, "v2-cipher", *res.Value)

	// Unknown session or wrong owner is an error result, not a mismatch.
	res, err = repo.UpdateMetadata(ctx, account.ID, uuid.New(), 1, "cipher")
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, res.Status)
}

func TestUpdateMetadataRaceExactlyOneWinner(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	results := make(chan UpdateResult, 2)
	var wg sync.WaitGroup
	for _, value := range []string{"a", "b"} {
		wg.Add(1)
		go func(value string) {
			defer wg.Done()
			res, err := repo.UpdateMetadata(ctx, account.ID, session.ID, 1, value)
			require.NoError(t, err)
			results <- res
		}(value)
	}
	wg.Wait()
	close(results)

	var applied, mismatched int
	for res := range results {
		switch res.Status {
		case UpdateApplied:
			applied++
			require.Equal(t, 2, res.Version)
		case UpdateVersionMismatch:
			mismatched++
			require.Equal(t, 2, res.Version)
		default:
			t.Fatalf("unexpected status %q", res.Status)
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, 1, mismatched)
}

func TestUpdateAgentStateNullable(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	state := "state-cipher"
	res, err := repo.UpdateAgentState(ctx, account.ID, session.ID, 0, &state)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Status)
	require.Equal(t, 1, res.Version)

	// Clearing the field is a regular versioned write.
	res, err = repo.UpdateAgentState(ctx, account.ID, session.ID, 1, nil)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Status)
	require.Equal(t, 2, res.Version)
	require.Nil(t, res.Value)
}

func TestDeleteSessionCascades(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	for i := 0; i < 3; i++ {
		_, _, err := repo.AppendMessage(ctx, session.ID, fmt.Sprintf("cipher-%d", i), nil)
		require.NoError(t, err)
	}

	require.NoError(t, repo.Delete(ctx, account.ID, session.ID))

	_, err := repo.GetByID(ctx, account.ID, session.ID)
	require.ErrorIs(t, err, ErrNotFound)

	var count int64
	require.NoError(t, database.Model(&db.SessionMessage{}).
		Where("session_id = ?", session.ID).Count(&count).Error)
	require.Zero(t, count)

	require.ErrorIs(t, repo.Delete(ctx, account.ID, session.ID), ErrNotFound)
}

func TestSessionActivityLifecycle(t *testing.T) {
	database := newTestDB(t)
	repo := NewSessionRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	session := newTestSession(t, database, account.ID, "T1")

	staleAt := time.Now().Add(-20 * time.Minute).UnixMilli()
	require.NoError(t, repo.SetActivity(ctx, account.ID, session.ID, true, staleAt))

	cutoff := time.Now().Add(-10 * time.Minute).UnixMilli()
	stale, err := repo.ListStaleActive(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, session.ID, stale[0].ID)

	require.NoError(t, repo.SetActivity(ctx, account.ID, session.ID, false, 0))
	stale, err = repo.ListStaleActive(ctx, cutoff)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestMachineCreateIfAbsent(t *testing.T) {
	database := newTestDB(t)
	repo := NewMachineRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)

	first, created, err := repo.CreateIfAbsent(ctx, &db.Machine{
		AccountID:       account.ID,
		ID:              "host-1",
		Metadata:        "m1",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.CreateIfAbsent(ctx, &db.Machine{
		AccountID:       account.ID,
		ID:              "host-1",
		Metadata:        "m2",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.Metadata, second.Metadata)

	machines, err := repo.List(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, machines, 1)
}

func TestMachineUpdateDaemonState(t *testing.T) {
	database := newTestDB(t)
	repo := NewMachineRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)

	_, _, err := repo.CreateIfAbsent(ctx, &db.Machine{
		AccountID:       account.ID,
		ID:              "host-1",
		Metadata:        "m1",
		MetadataVersion: 1,
		LastActiveAt:    time.Now(),
	})
	require.NoError(t, err)

	state := "daemon-cipher"
	res, err := repo.UpdateDaemonState(ctx, account.ID, "host-1", 0, &state)
	require.NoError(t, err)
	require.Equal(t, UpdateApplied, res.Status)
	require.Equal(t, 1, res.Version)

	res, err = repo.UpdateDaemonState(ctx, account.ID, "host-1", 0, &state)
	require.NoError(t, err)
	require.Equal(t, UpdateVersionMismatch, res.Status)
	require.Equal(t, 1, res.Version)

	res, err = repo.UpdateDaemonState(ctx, account.ID, "ghost", 0, &state)
	require.NoError(t, err)
	require.Equal(t, UpdateNotFound, res.Status)
}

func TestPairingFirstResponseWins(t *testing.T) {
	database := newTestDB(t)
	repo := NewPairingRepository(database)
	ctx := context.Background()
	account := newTestAccount(t, database)
	other := newTestAccount(t, database)

	request, err := repo.UpsertRequest(ctx, "ephemeral-key-hex")
	require.NoError(t, err)
	require.Nil(t, request.Response)

	// Polling again returns the same pending request.
	again, err := repo.UpsertRequest(ctx, "ephemeral-key-hex")
	require.NoError(t, err)
	require.Equal(t, request.ID, again.ID)

	applied, err := repo.Respond(ctx, "ephemeral-key-hex", "wrapped-secret", account.ID)
	require.NoError(t, err)
	require.True(t, applied)

	// The second responder loses silently.
	applied, err = repo.Respond(ctx, "ephemeral-key-hex", "other-secret", other.ID)
	require.NoError(t, err)
	require.False(t, applied)

	final, err := repo.UpsertRequest(ctx, "ephemeral-key-hex")
	require.NoError(t, err)
	require.NotNil(t, final.Response)
	require.Equal(t, "wrapped-secret", *final.Response)
	require.Equal(t, account.ID, *final.ResponseAccountID)
}
