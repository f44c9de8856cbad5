package books

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/errs"
	"libranexus/pkg/eventbus"
	"libranexus/pkg/eventstore"
	"libranexus/pkg/money"
)

func newTestHandler() (*CommandHandler, *eventstore.MemoryStore, *eventbus.MemoryBus) {
	store := eventstore.NewMemoryStore(nil)
	bus := eventbus.NewMemoryBus()
	return NewCommandHandler(store, bus, nil, 3), store, bus
}

func TestCommandHandler_CreateBookPublishesEvent(t *testing.T) {
	h, _, bus := newTestHandler()
	ctx := context.Background()

	ack, err := h.CreateBook(ctx, "978-1", "Title", "Author", 2020, "Pub", money.Minor(1000))
	require.NoError(t, err)
	require.Equal(t, 1, ack.Version)
	require.Len(t, bus.Published(), 1)
}

func TestCommandHandler_CreateBookRejectsDuplicateISBN(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	_, err := h.CreateBook(ctx, "978-1", "Title", "Author", 2020, "Pub", money.Minor(1000))
	require.NoError(t, err)

	_, err = h.CreateBook(ctx, "978-1", "Other Title", "Other Author", 2021, "Pub", money.Minor(1000))
	require.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestCommandHandler_UpdateBookAppliesPatch(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	ack, err := h.CreateBook(ctx, "978-1", "Title", "Author", 2020, "Pub", money.Minor(1000))
	require.NoError(t, err)

	newTitle := "Updated"
	ack2, err := h.UpdateBook(ctx, ack.AggregateID, &newTitle, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ack2.Version)
}

func TestCommandHandler_UpdateBookNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	newTitle := "x"
	_, err := h.UpdateBook(ctx, "missing", &newTitle, nil, nil, nil, nil)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

// Two concurrent updates race on the same book: the loser's append hits
// ConcurrencyConflict, the retry path reloads at the winner's version and
// appends on top, and the stream stays contiguous.
func TestCommandHandler_ConcurrentUpdatesRetryToContiguousVersions(t *testing.T) {
	h, store, _ := newTestHandler()
	ctx := context.Background()

	ack, err := h.CreateBook(ctx, "978-1", "Title", "Author", 2020, "Pub", money.Minor(1000))
	require.NoError(t, err)

	titles := []string{"First Revision", "Second Revision"}
	acks := make([]Ack, len(titles))
	updateErrs := make([]error, len(titles))

	var wg sync.WaitGroup
	for i := range titles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], updateErrs[i] = h.UpdateBook(ctx, ack.AggregateID, &titles[i], nil, nil, nil, nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, updateErrs[0])
	require.NoError(t, updateErrs[1])
	require.ElementsMatch(t, []int{2, 3}, []int{acks[0].Version, acks[1].Version})

	events, err := store.Load(ctx, ack.AggregateID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, i+1, ev.Version, "stream must stay contiguous after the retried append")
	}
}

func TestCommandHandler_DeleteThenUpdateFails(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx := context.Background()

	ack, err := h.CreateBook(ctx, "978-1", "Title", "Author", 2020, "Pub", money.Minor(1000))
	require.NoError(t, err)

	_, err = h.DeleteBook(ctx, ack.AggregateID)
	require.NoError(t, err)

	newTitle := "x"
	_, err = h.UpdateBook(ctx, ack.AggregateID, &newTitle, nil, nil, nil, nil)
	require.Equal(t, errs.KindConflict, errs.KindOf(err))
}
