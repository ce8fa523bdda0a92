package capture

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openUDP(t *testing.T, source string, timeout time.Duration) (*UDPSource, *net.UDPConn) {
	t.Helper()
	src, err := NewUDPSource(source, timeout, nil)
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { src.Close() })

	conn, err := net.DialUDP("udp", nil, src.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return src, conn
}

func TestNewUDPSource_Validates(t *testing.T) {
	_, err := NewUDPSource("udp://:9000", time.Second, nil)
	assert.NoError(t, err)

	_, err = NewUDPSource("http://camera/stream", time.Second, nil)
	assert.Error(t, err)

	_, err = NewUDPSource("udp://camera", time.Second, nil)
	assert.Error(t, err)

	assert.True(t, IsUDPSource("udp://:9000"))
	assert.False(t, IsUDPSource("0"))
}

func TestUDPSource_ReassemblesFrames(t *testing.T) {
	src, conn := openUDP(t, "udp://127.0.0.1:0", 2*time.Second)

	chunks := [][]byte{
		{0xFF, 0xD8, 0x01, 0x02},
		{0x03, 0x04},
		{0x05, 0xFF, 0xD9},
	}
	for _, c := range chunks {
		_, err := conn.Write(c)
		require.NoError(t, err)
	}

	frame, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), frame.Seq)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0x04, 0x05, 0xFF, 0xD9}, frame.Pixels)
	assert.False(t, frame.CapturedAt.IsZero())

	_, err = conn.Write([]byte{0xFF, 0xD8, 0x09, 0xFF, 0xD9})
	require.NoError(t, err)
	frame, err = src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), frame.Seq)
}

func TestUDPSource_StallEndsStream(t *testing.T) {
	src, _ := openUDP(t, "udp://127.0.0.1:0", 20*time.Millisecond)

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestUDPSource_CloseEndsStream(t *testing.T) {
	src, _ := openUDP(t, "udp://127.0.0.1:0", 0)
	require.NoError(t, src.Close())

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestUDPSource_FiltersSender(t *testing.T) {
	src, conn := openUDP(t, "udp://127.0.0.1:0?from=10.9.9.9", 50*time.Millisecond)

	_, err := conn.Write([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.NoError(t, err)

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestUDPSource_PersistentReadErrorsEndStream(t *testing.T) {
	src, err := NewUDPSource("udp://127.0.0.1:0", 0, nil)
	require.NoError(t, err)
	src.retryDelay = time.Millisecond
	src.maxReadErrors = 5
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { src.Close() })

	// the socket goes away underneath the receiver
	require.NoError(t, src.conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Contains(t, err.Error(), "read errors")
}
