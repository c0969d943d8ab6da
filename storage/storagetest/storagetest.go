// Package storagetest holds a behavioural test suite shared by the
// storage.Repository backends.
package storagetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mqttadmin/mosquitto-auth/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises repo. The repository must be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	list, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	first, err := repo.Append(ctx, storage.Entry{Action: "ca_generated", Target: "ca"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, storage.GenesisHash, first.PrevHash)

	second, err := repo.Append(ctx, storage.Entry{Action: "user_added", Target: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.Hash(), second.PrevHash)

	const writers = 16
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Append(ctx, storage.Entry{Action: "client_generated", Target: fmt.Sprintf("dev_%d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers+2, n)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, writers+2)
	v := storage.Verify(all)
	assert.True(t, v.Valid, v.Checks)

	page, err := repo.List(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(writers+2), page[0].Sequence)
	assert.Equal(t, uint64(writers+1), page[1].Sequence)

	page, err = repo.List(ctx, writers+1, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)
}
