/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openBackends returns one of each store implementation, all cleaned up with
// the test
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	bolt, err := NewBBoltStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	sqlite, err := NewSQLiteStore(filepath.Join(dir, "test.sqlite"), zap.NewNop())
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("ns", "key1", []byte("value1")))

			got, err := store.Get("ns", "key1")
			require.NoError(t, err)
			assert.Equal(t, []byte("value1"), got)

			// Overwrite
			require.NoError(t, store.Put("ns", "key1", []byte("value2")))
			got, err = store.Get("ns", "key1")
			require.NoError(t, err)
			assert.Equal(t, []byte("value2"), got)
		})
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("ns", "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.True(t, IsNotFoundError(err))
		})
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("ns", "key1", []byte("v")))
			require.NoError(t, store.Delete("ns", "key1"))

			_, err := store.Get("ns", "key1")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is not an error
			assert.NoError(t, store.Delete("ns", "key1"))
		})
	}
}

func TestListSortedAscending(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("ns", "c", []byte("3")))
			require.NoError(t, store.Put("ns", "a", []byte("1")))
			require.NoError(t, store.Put("ns", "b", []byte("2")))

			entries, err := store.List("ns")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "a", entries[0].Key)
			assert.Equal(t, "b", entries[1].Key)
			assert.Equal(t, "c", entries[2].Key)
		})
	}
}

func TestListUnknownNamespaceIsEmpty(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			entries, err := store.List("missing")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("one", "key", []byte("a")))
			require.NoError(t, store.Put("two", "key", []byte("b")))

			got, err := store.Get("one", "key")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), got)

			require.NoError(t, store.Delete("one", "key"))
			got, err = store.Get("two", "key")
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), got)
		})
	}
}

func TestBBoltSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	store, err := NewBBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put("ns", "key", []byte("survives")))
	require.NoError(t, store.Close())

	reopened, err := NewBBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("ns", "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.sqlite")

	store, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Put("ns", "key", []byte("survives")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("ns", "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
