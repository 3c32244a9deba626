//go:build linux

package shm_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nprpc/nprpc-go/shm"
	"github.com/stretchr/testify/require"
)

func TestChannelSendReceiveRoundTrip(t *testing.T) {
	channelID := uuid.NewString()

	server, err := shm.NewChannel(channelID, true, true, 4096, nil)
	require.NoError(t, err)
	defer server.Destroy()

	client, err := shm.NewChannel(channelID, false, false, 4096, nil)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan []byte, 1)
	server.StartReadLoop(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		received <- cp
	})

	require.NoError(t, client.Send([]byte("hello from client")))

	select {
	case got := <-received:
		require.Equal(t, "hello from client", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}
}

func TestChannelReserveWriteZeroCopy(t *testing.T) {
	channelID := uuid.NewString()

	server, err := shm.NewChannel(channelID, true, true, 4096, nil)
	require.NoError(t, err)
	defer server.Destroy()

	client, err := shm.NewChannel(channelID, false, false, 4096, nil)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.ReserveWrite(16)
	require.NoError(t, err)
	n := copy(res.Data, "zerocopy")
	require.NoError(t, res.CommitWrite(n))

	received := make(chan string, 1)
	server.StartReadLoop(func(data []byte) {
		received <- string(data)
	})

	select {
	case got := <-received:
		require.Equal(t, "zerocopy", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received reserved write")
	}
}
