package books

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/errs"
	"libranexus/pkg/money"
)

func TestNewBook_RecordsCreatedEvent(t *testing.T) {
	b, err := NewBook("b1", "978-3-16-148410-0", "The Go Programming Language", "Donovan & Kernighan", 2015, "Addison-Wesley", money.Minor(2999))
	require.NoError(t, err)
	require.Equal(t, 1, b.Version())

	pending, expected := b.Flush()
	require.Len(t, pending, 1)
	require.Equal(t, 0, expected)
}

func TestNewBook_RejectsEmptyISBN(t *testing.T) {
	_, err := NewBook("b1", "", "Title", "Author", 2020, "Pub", money.Minor(100))
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestNewBook_RejectsYearOutOfRange(t *testing.T) {
	_, err := NewBook("b1", "978-0", "Title", "Author", 999, "Pub", money.Minor(100))
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestBook_UpdateWithNoFieldsReturnsNoChanges(t *testing.T) {
	b, err := NewBook("b1", "978-0", "Title", "Author", 2020, "Pub", money.Minor(100))
	require.NoError(t, err)
	b.Flush()

	err = b.Update(nil, nil, nil, nil, nil)
	require.ErrorIs(t, err, errs.NoChanges)
}

func TestBook_UpdateWithUnchangedValuesReturnsNoChanges(t *testing.T) {
	b, err := NewBook("b1", "978-0", "Title", "Author", 2020, "Pub", money.Minor(100))
	require.NoError(t, err)
	b.Flush()

	sameTitle := "Title"
	sameYear := 2020
	samePrice := money.Minor(100)
	err = b.Update(&sameTitle, nil, nil, &sameYear, &samePrice)
	require.ErrorIs(t, err, errs.NoChanges, "a patch that matches current state is rejected")
	require.Equal(t, 1, b.Version())

	pending, _ := b.Flush()
	require.Empty(t, pending)
}

func TestBook_UpdateRecordsOnlyChangedFields(t *testing.T) {
	b, err := NewBook("b1", "978-0", "Title", "Author", 2020, "Pub", money.Minor(100))
	require.NoError(t, err)
	b.Flush()

	sameTitle := "Title"
	newAuthor := "New Author"
	require.NoError(t, b.Update(&sameTitle, &newAuthor, nil, nil, nil))

	pending, _ := b.Flush()
	require.Len(t, pending, 1)

	var p struct {
		Title  *string `json:"title"`
		Author *string `json:"author"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &p))
	require.Nil(t, p.Title, "an unchanged field stays out of the event payload")
	require.NotNil(t, p.Author)
	require.Equal(t, "New Author", *p.Author)
}

func TestBook_UpdateThenDeleteRejectsFurtherMutation(t *testing.T) {
	b, err := NewBook("b1", "978-0", "Title", "Author", 2020, "Pub", money.Minor(100))
	require.NoError(t, err)
	b.Flush()

	newTitle := "New Title"
	require.NoError(t, b.Update(&newTitle, nil, nil, nil, nil))
	require.Equal(t, "New Title", b.Title())
	b.Flush()

	require.NoError(t, b.Delete())
	require.True(t, b.Deleted())

	err = b.Update(&newTitle, nil, nil, nil, nil)
	require.ErrorIs(t, err, errs.AlreadyDeleted)
}
