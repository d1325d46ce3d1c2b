package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
)

func TestRelaySkipsReplayedChunksAcrossLedgerGap(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend(cache.Options{})
	t.Cleanup(func() { _ = backend.Close() })

	backend.CreateSession(ctx, "u1", "c1")
	tl := &tail{sub: backend.Subscribe(ctx, "c1"), logger: zerolog.Nop()}
	defer tl.close()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.True(t, backend.AddChunk(ctx, "c1", s, ""))
	}

	data := backend.GetReconnectData(ctx, "c1")
	require.Len(t, data.Chunks, 4)
	// the batch holding index 1 never reached the stored ledger
	data.Chunks = append(data.Chunks[:1:1], data.Chunks[2:]...)
	require.True(t, backend.CompleteSession(ctx, "c1"))

	var sent []any
	send := func(p any) error {
		sent = append(sent, p)
		return nil
	}
	require.NoError(t, tl.relay(ctx, data, send, func() error { return nil }, time.Minute))

	// three replayed chunks, the resume marker, the terminal marker
	require.Len(t, sent, 5)
	for i, want := range []uint64{0, 2, 3} {
		c, ok := sent[i].(stream.ChunkFrame)
		require.True(t, ok)
		require.Equal(t, want, c.Index)
		require.True(t, c.Cached)
	}
	marker, ok := sent[3].(stream.StatusFrame)
	require.True(t, ok)
	require.Equal(t, 3, *marker.ResumePoint)
	final, ok := sent[4].(stream.StatusFrame)
	require.True(t, ok)
	require.True(t, final.IsComplete)
	require.Equal(t, stream.StatusCompleted, final.Status)
}

func TestNextIndex(t *testing.T) {
	require.Equal(t, uint64(0), nextIndex(nil))
	require.Equal(t, uint64(6), nextIndex([]stream.Chunk{{Index: 0}, {Index: 5}, {Index: 2}}))
}
