package protocol

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamFramesDoNotInterleave(t *testing.T) {
	local, remote := net.Pipe()
	stream := NewStream(local, "test")
	defer stream.Close()

	const writers = 8
	const frames = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			payload := make([]byte, 64)
			for i := range payload {
				payload[i] = byte(id)
			}
			for i := 0; i < frames; i++ {
				if err := stream.WriteFrame(NewMessageFrame(id, payload)); err != nil {
					return
				}
			}
		}(uint16(w))
	}

	reader := NewReader(remote)
	for i := 0; i < writers*frames; i++ {
		header, err := reader.ReadMessageType()
		require.NoError(t, err)
		require.Equal(t, MSG_PUB, header)
		id, err := reader.ReadUInt16()
		require.NoError(t, err)
		payload, err := reader.ReadBytes()
		require.NoError(t, err)
		require.Len(t, payload, 64)
		for _, b := range payload {
			if b != byte(id) {
				t.Fatalf("frame from writer %d interleaved with byte %d", id, b)
			}
		}
	}
	wg.Wait()
}

func TestStreamCloseUnblocksReader(t *testing.T) {
	local, remote := net.Pipe()
	stream := NewStream(local, "test")
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stream.ReadByte()
		done <- err
	}()

	require.NoError(t, stream.Close())
	require.Error(t, <-done)
	// 重复关闭不报错
	require.NoError(t, stream.Close())

	select {
	case <-stream.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}
