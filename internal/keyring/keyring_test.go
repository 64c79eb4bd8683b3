package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	MockInit()

	require.NoError(t, SetPassword("fire-box-test", "user", "secret"))

	got, err := GetPassword("fire-box-test", "user")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	require.NoError(t, DeletePassword("fire-box-test", "user"))

	_, err = GetPassword("fire-box-test", "user")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestIsNotFound_OtherError(t *testing.T) {
	assert.False(t, IsNotFound(assert.AnError))
}
