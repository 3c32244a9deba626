package wire_test

import (
	"testing"

	"github.com/nprpc/nprpc-go/wire"
	"github.com/stretchr/testify/require"
)

func TestExceptionRoundTrip(t *testing.T) {
	buf := wire.EncodeException("NotFound", []byte("no such widget"))
	classId, data, err := wire.DecodeException(buf)
	require.NoError(t, err)
	require.Equal(t, "NotFound", classId)
	require.Equal(t, []byte("no such widget"), data)
}

func TestExceptionEmptyData(t *testing.T) {
	buf := wire.EncodeException("Empty", nil)
	classId, data, err := wire.DecodeException(buf)
	require.NoError(t, err)
	require.Equal(t, "Empty", classId)
	require.Empty(t, data)
}

func TestDecodeExceptionRejectsShortPayload(t *testing.T) {
	_, _, err := wire.DecodeException([]byte{1, 2})
	require.Error(t, err)
}

func TestDecodeExceptionRejectsOversizeClassId(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := wire.DecodeException(buf)
	require.Error(t, err)
}
