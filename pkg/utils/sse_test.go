package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendSSEChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	require.NoError(t, SendSSEChunk(rec, rec, map[string]any{"index": 0, "cached": true}))
	require.NoError(t, SendSSEComment(rec, rec, "keepalive"))

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "data: {\"cached\":true,\"index\":0}\n\n: keepalive\n\n", rec.Body.String())
	require.True(t, rec.Flushed)
}

func TestSendSSEChunkRejectsUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	require.Error(t, SendSSEChunk(rec, rec, map[string]any{"bad": make(chan int)}))
	require.Zero(t, rec.Body.Len())
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusForbidden, "forbidden")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
}
