package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/eventtypes"
)

// counter is a minimal Root used to exercise Base's bookkeeping in
// isolation from any real bounded-context aggregate.
type counter struct {
	Base
	id    string
	value int
}

func (c *counter) ID() string { return c.id }

func (c *counter) Apply(eventType eventtypes.Type, payload json.RawMessage) error {
	var body struct {
		Delta int `json:"delta"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
	}
	c.value += body.Delta
	c.ApplyHistorical(eventType)
	return nil
}

func (c *counter) increment(delta int) {
	payload, _ := json.Marshal(map[string]int{"delta": delta})
	c.value += delta
	c.Base.Record(eventtypes.BookUpdated, payload)
}

var _ Root = (*counter)(nil)

func TestBase_RecordTracksPendingAndVersion(t *testing.T) {
	c := &counter{id: "c1"}
	c.increment(1)
	c.increment(2)

	require.Equal(t, 2, c.Version())
	require.Equal(t, 3, c.value)

	pending, expected := c.Flush()
	require.Len(t, pending, 2)
	require.Equal(t, 0, expected)
	require.Equal(t, 2, c.Version())

	morePending, expected2 := c.Flush()
	require.Len(t, morePending, 0)
	require.Equal(t, 2, expected2)
}

func TestRehydrateReplaysWithoutBufferingPending(t *testing.T) {
	c := &counter{id: "c1"}
	history := []Stored{
		{EventType: eventtypes.BookCreated, Payload: json.RawMessage(`{"delta":5}`)},
		{EventType: eventtypes.BookUpdated, Payload: json.RawMessage(`{"delta":-2}`)},
	}
	require.NoError(t, Rehydrate(c, history))

	require.Equal(t, 3, c.value)
	require.Equal(t, 2, c.Version())

	pending, _ := c.Flush()
	require.Empty(t, pending)
}

func TestBase_TerminalEventMarksDeleted(t *testing.T) {
	c := &counter{id: "c1"}
	require.NoError(t, Rehydrate(c, []Stored{{EventType: eventtypes.BookDeleted}}))
	require.True(t, c.Deleted())
}
