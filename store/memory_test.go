package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process"
)

var (
	_ Provider = (*Memory)(nil)
	_ Provider = (*Bolt)(nil)
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

var widgets = NewTable[widget]("widgets")

func TestMemoryPutGetUpdateInvalidate(t *testing.T) {
	provider := NewMemory()
	ctx := context.Background()

	var h Handle[widget]
	err := provider.WithTransaction(ctx, func(tx Tx) error {
		var err error
		h, err = widgets.Put(tx, widget{Name: "gear", Count: 1})
		if err != nil {
			return err
		}
		// read-your-writes inside the same transaction
		got, err := widgets.Get(tx, h)
		if err != nil {
			return err
		}
		assert.Equal(t, "gear", got.Name)
		return widgets.Update(tx, h, widget{Name: "gear", Count: 2})
	})
	require.NoError(t, err)
	require.True(t, h.Valid())

	err = provider.WithTransaction(ctx, func(tx Tx) error {
		got, err := widgets.Get(tx, h)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, got.Count)
		return widgets.Invalidate(tx, h)
	})
	require.NoError(t, err)

	err = provider.WithTransaction(ctx, func(tx Tx) error {
		_, err := widgets.Get(tx, h)
		return err
	})
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeNotFound))
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	provider := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	var h Handle[widget]
	err := provider.WithTransaction(ctx, func(tx Tx) error {
		var err error
		h, err = widgets.Put(tx, widget{Name: "ghost"})
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = provider.WithTransaction(ctx, func(tx Tx) error {
		_, err := widgets.Get(tx, h)
		return err
	})
	assert.True(t, process.IsCode(err, process.ErrCodeNotFound))
}

func TestMemoryHandlesNeverReused(t *testing.T) {
	provider := NewMemory()
	ctx := context.Background()

	var first, second Handle[widget]
	require.NoError(t, provider.WithTransaction(ctx, func(tx Tx) error {
		var err error
		first, err = widgets.Put(tx, widget{Name: "a"})
		if err != nil {
			return err
		}
		return widgets.Invalidate(tx, first)
	}))
	require.NoError(t, provider.WithTransaction(ctx, func(tx Tx) error {
		var err error
		second, err = widgets.Put(tx, widget{Name: "b"})
		return err
	}))
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestMemoryVersionConflict(t *testing.T) {
	provider := NewMemory()
	ctx := context.Background()

	var h Handle[widget]
	require.NoError(t, provider.WithTransaction(ctx, func(tx Tx) error {
		var err error
		h, err = widgets.Put(tx, widget{Name: "gear", Count: 0})
		return err
	}))

	// interleave: both transactions read the row, the slow one commits last
	readDone := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var slowErr error
	go func() {
		defer wg.Done()
		slowErr = provider.WithTransaction(ctx, func(tx Tx) error {
			w, err := widgets.Get(tx, h)
			if err != nil {
				return err
			}
			close(readDone)
			<-release
			w.Count++
			return widgets.Update(tx, h, w)
		})
	}()

	// the fast committer must not run until the slow read has happened
	<-readDone
	require.NoError(t, provider.WithTransaction(ctx, func(tx Tx) error {
		w, err := widgets.Get(tx, h)
		if err != nil {
			return err
		}
		w.Count += 10
		return widgets.Update(tx, h, w)
	}))
	close(release)
	wg.Wait()

	require.ErrorIs(t, slowErr, ErrVersionConflict)

	require.NoError(t, provider.WithTransaction(ctx, func(tx Tx) error {
		w, err := widgets.Get(tx, h)
		if err != nil {
			return err
		}
		assert.Equal(t, 10, w.Count)
		return nil
	}))
}

func TestHandleJSONRoundTrip(t *testing.T) {
	h := HandleFor[widget](42)

	data, err := h.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	var back Handle[widget]
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, h, back)
	assert.True(t, back.Valid())
	assert.False(t, Handle[widget]{}.Valid())
}
