package keycodec_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftium/epicenter-sub001/keycodec"
	"github.com/Leftium/epicenter-sub001/wserr"
)

func TestCellKeyRoundTrip(t *testing.T) {
	row, err := keycodec.NewRowId("row1")
	require.NoError(t, err)
	field, err := keycodec.NewFieldId("name")
	require.NoError(t, err)

	key := keycodec.NewCellKey(row, field)
	assert.Equal(t, "row1:name", string(key))

	gotRow, gotField, err := keycodec.ParseCellKey(string(key))
	require.NoError(t, err)
	assert.Equal(t, row, gotRow)
	assert.Equal(t, field, gotField)
}

func TestNewRowIdRejectsEmpty(t *testing.T) {
	_, err := keycodec.NewRowId("")
	assert.True(t, errors.Is(err, wserr.ErrInvalidKey))
}

func TestNewFieldIdRejectsSeparator(t *testing.T) {
	_, err := keycodec.NewFieldId("na:me")
	assert.True(t, errors.Is(err, wserr.ErrInvalidKey))
}

func TestParseCellKeyRejectsMissingSeparator(t *testing.T) {
	_, _, err := keycodec.ParseCellKey("noseparator")
	assert.True(t, errors.Is(err, wserr.ErrInvalidKey))
}

func TestParseCellKeyRejectsEmptyComponent(t *testing.T) {
	_, _, err := keycodec.ParseCellKey(":field")
	assert.True(t, errors.Is(err, wserr.ErrInvalidKey))

	_, _, err = keycodec.ParseCellKey("row:")
	assert.True(t, errors.Is(err, wserr.ErrInvalidKey))
}

func TestHasPrefix(t *testing.T) {
	row, _ := keycodec.NewRowId("row1")
	field, _ := keycodec.NewFieldId("name")
	key := keycodec.NewCellKey(row, field)
	prefix := keycodec.NewRowPrefix(row)

	assert.True(t, keycodec.HasPrefix(string(key), prefix))
	assert.False(t, keycodec.HasPrefix("row2:name", prefix))
}

func TestMustCellKeyPanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		keycodec.MustCellKey("row:bad", "field")
	})
}

func TestGenerateRowIdIsUniqueAndWellFormed(t *testing.T) {
	seen := make(map[keycodec.RowId]bool)
	for i := 0; i < 100; i++ {
		id, err := keycodec.GenerateRowId()
		require.NoError(t, err)
		require.Len(t, string(id), 12)
		assert.False(t, seen[id], "row id collision")
		seen[id] = true

		_, err = keycodec.NewRowId(string(id))
		assert.NoError(t, err, "generated row id must itself be a valid RowId")
	}
}
