package hostid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromPrimaryIPv4ReturnsSomethingOrNoAddress(t *testing.T) {
	id, err := FromPrimaryIPv4()
	if err != nil {
		require.ErrorIs(t, err, ErrNoAddress)
		return
	}
	require.NotEqual(t, Identity(0), id)
}
