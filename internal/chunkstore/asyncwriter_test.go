package chunkstore

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncWriterDrainsQueueOnClose(t *testing.T) {
	f, err := os.CreateTemp("", "asyncwriter")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	aw := newAsyncWriter(f, 8, time.Hour) // interval long enough that only Close can trigger the flush
	for i := 0; i < 5; i++ {
		n, err := aw.Write([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	aw.Close()

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("x"), 5), got)
}
