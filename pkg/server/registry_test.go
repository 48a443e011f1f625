package server

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistryBasics(t *testing.T) {
	r := NewRegistry(nil)

	alice := &Session{DisplayName: "Alice"}
	bob := &Session{DisplayName: "bob"}
	assert.Equal(t, uint64(1), r.Register(alice))
	assert.Equal(t, uint64(2), r.Register(bob))
	assert.Equal(t, uint64(1), alice.ID)
	assert.Equal(t, 2, r.Len())

	got, err := r.Lookup(2)
	require.NoError(t, err)
	assert.Same(t, bob, got)

	found, ok := r.FindByName("ALICE")
	assert.True(t, ok)
	assert.Same(t, alice, found)
	_, ok = r.FindByName("carol")
	assert.False(t, ok)

	assert.True(t, r.Deregister(1))
	assert.False(t, r.Deregister(1), "second removal is a no-op")
	assert.False(t, r.Deregister(99))

	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// IDs are not reused.
	assert.Equal(t, uint64(3), r.Register(&Session{DisplayName: "carol"}))
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(nil)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	ids := make(chan uint64, workers*perWorker)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				ids <- r.Register(&Session{DisplayName: fmt.Sprintf("w%d-%d", w, i)})
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, r.Len())

	// Tear everything down again, each ID from whichever worker gets it.
	all := make(chan uint64, len(seen))
	for id := range seen {
		all <- id
	}
	close(all)
	var removed sync.WaitGroup
	for range workers {
		removed.Add(1)
		go func() {
			defer removed.Done()
			for id := range all {
				assert.True(t, r.Deregister(id), "id %d already gone", id)
				_, err := r.Lookup(id)
				assert.ErrorIs(t, err, ErrSessionNotFound)
				_ = r.Snapshot()
			}
		}()
	}
	removed.Wait()

	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
	_, ok := r.FindByName("w0-0")
	assert.False(t, ok)
}

// TestRegistryModel checks the registry against a plain map under random
// register/deregister sequences.
func TestRegistryModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(nil)
		model := make(map[uint64]*Session)
		var lastID uint64

		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for range steps {
			if len(model) == 0 || rapid.Bool().Draw(t, "register") {
				sess := &Session{}
				id := r.Register(sess)
				if id <= lastID {
					t.Fatalf("id %d not above previous %d", id, lastID)
				}
				lastID = id
				model[id] = sess
			} else {
				ids := slices.Sorted(maps.Keys(model))
				id := rapid.SampledFrom(ids).Draw(t, "deregister")
				if !r.Deregister(id) {
					t.Fatalf("deregister %d reported absent", id)
				}
				delete(model, id)
			}

			snapshot := r.Snapshot()
			if len(snapshot) != len(model) || r.Len() != len(model) {
				t.Fatalf("snapshot has %d sessions, model %d", len(snapshot), len(model))
			}
			for i, sess := range snapshot {
				if model[sess.ID] != sess {
					t.Fatalf("snapshot holds unknown session %d", sess.ID)
				}
				if i > 0 && snapshot[i-1].ID >= sess.ID {
					t.Fatalf("snapshot not ordered at %d", i)
				}
			}
		}
	})
}
