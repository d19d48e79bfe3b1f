package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfold/docket/errors"
	dockettest "github.com/inkfold/docket/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dockettest.CreateMigratedTestDB(t))
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)

	j := NewJob("alice")
	j.ContentHash = HashContent([]byte("%PDF-1.4 doc"))
	require.NoError(t, store.CreateJob(j))

	got, err := store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, j.ContentHash, got.ContentHash)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.CompletedAt)
}

func TestStore_GetUnknownJob(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("no-such-id")
	assert.True(t, errors.IsNotFoundError(err))
}

// Only one job per (owner, content hash) may hold the processing slot. The
// second claim must surface as a conflict, not a silent duplicate.
func TestStore_ProcessingSlotIsExclusive(t *testing.T) {
	store := newTestStore(t)
	hash := HashContent([]byte("%PDF-1.4 shared"))

	first := NewJob("alice")
	first.ContentHash = hash
	require.NoError(t, store.CreateJob(first))
	first.MarkProcessing("ext-1")
	require.NoError(t, store.UpdateJob(first))

	second := NewJob("alice")
	second.ContentHash = hash
	require.NoError(t, store.CreateJob(second))
	second.MarkProcessing("ext-2")

	err := store.UpdateJob(second)
	assert.True(t, errors.IsConflictError(err))
}

// The slot is scoped per owner: different principals submitting identical
// content each dispatch their own extraction.
func TestStore_ProcessingSlotIsPerOwner(t *testing.T) {
	store := newTestStore(t)
	hash := HashContent([]byte("%PDF-1.4 shared"))

	alice := NewJob("alice")
	alice.ContentHash = hash
	require.NoError(t, store.CreateJob(alice))
	alice.MarkProcessing("ext-1")
	require.NoError(t, store.UpdateJob(alice))

	bob := NewJob("bob")
	bob.ContentHash = hash
	require.NoError(t, store.CreateJob(bob))
	bob.MarkProcessing("ext-2")
	assert.NoError(t, store.UpdateJob(bob))
}

// A terminal job releases the slot for later resubmissions.
func TestStore_TerminalJobReleasesSlot(t *testing.T) {
	store := newTestStore(t)
	hash := HashContent([]byte("%PDF-1.4 doc"))

	first := NewJob("alice")
	first.ContentHash = hash
	require.NoError(t, store.CreateJob(first))
	first.MarkProcessing("ext-1")
	require.NoError(t, store.UpdateJob(first))
	first.Fail("engine exploded")
	require.NoError(t, store.UpdateJob(first))

	second := NewJob("alice")
	second.ContentHash = hash
	require.NoError(t, store.CreateJob(second))
	second.MarkProcessing("ext-2")
	assert.NoError(t, store.UpdateJob(second))
}

func TestStore_FindCompletedByContent(t *testing.T) {
	store := newTestStore(t)
	hash := HashContent([]byte("%PDF-1.4 doc"))
	result := json.RawMessage(`{"schema_version":"1.0","fields":{"total":{"value":"12.50"}}}`)

	// No cache entry yet
	hit, err := store.FindCompletedByContent("alice", hash)
	require.NoError(t, err)
	assert.Nil(t, hit)

	done := NewJob("alice")
	done.ContentHash = hash
	require.NoError(t, store.CreateJob(done))
	done.Complete(result)
	require.NoError(t, store.UpdateJob(done))

	hit, err = store.FindCompletedByContent("alice", hash)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, done.ID, hit.ID)
	assert.JSONEq(t, string(result), string(hit.Result))

	// Cache entries never cross principals
	hit, err = store.FindCompletedByContent("bob", hash)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestStore_ListWaitingByContentSpansOwners(t *testing.T) {
	store := newTestStore(t)
	hash := HashContent([]byte("%PDF-1.4 doc"))

	for _, owner := range []string{"alice", "bob", "carol"} {
		j := NewJob(owner)
		j.ContentHash = hash
		require.NoError(t, store.CreateJob(j))
		j.MarkWaiting()
		require.NoError(t, store.UpdateJob(j))
	}

	// A waiting job on a different hash must not be picked up
	other := NewJob("alice")
	other.ContentHash = HashContent([]byte("%PDF-1.4 other"))
	require.NoError(t, store.CreateJob(other))
	other.MarkWaiting()
	require.NoError(t, store.UpdateJob(other))

	waiting, err := store.ListWaitingByContent(hash)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)
}

func TestStore_ListStaleWaiting(t *testing.T) {
	store := newTestStore(t)

	stale := NewJob("alice")
	stale.ContentHash = HashContent([]byte("%PDF-1.4 old"))
	require.NoError(t, store.CreateJob(stale))
	stale.MarkWaiting()
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.UpdateJob(stale))

	fresh := NewJob("alice")
	fresh.ContentHash = HashContent([]byte("%PDF-1.4 new"))
	require.NoError(t, store.CreateJob(fresh))
	fresh.MarkWaiting()
	require.NoError(t, store.UpdateJob(fresh))

	got, err := store.ListStaleWaiting(30*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestStore_CountByStatus(t *testing.T) {
	store := newTestStore(t)

	pending := NewJob("alice")
	require.NoError(t, store.CreateJob(pending))

	failed := NewJob("alice")
	failed.ContentHash = HashContent([]byte("%PDF-1.4 bad"))
	require.NoError(t, store.CreateJob(failed))
	failed.Fail("nope")
	require.NoError(t, store.UpdateJob(failed))

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusFailed])
}
