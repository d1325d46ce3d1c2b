package pump

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/cache"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

func newTestPump(t *testing.T) (*Pump, *cache.MemoryBackend, *chatservice.Service) {
	t.Helper()
	ledger := cache.NewMemoryBackend(cache.Options{})
	t.Cleanup(func() { _ = ledger.Close() })
	store := chatservice.NewService()
	return New(ledger, store, NewTokenizer()), ledger, store
}

func reasoningMessage(text string) *schema.Message {
	msg := schema.AssistantMessage("", nil)
	msg.ReasoningContent = text
	return msg
}

func TestPumpCompletesAndPersists(t *testing.T) {
	ctx := context.Background()
	p, ledger, store := newTestPump(t)
	convID, err := store.EnsureConversation(ctx, "u1", "c1")
	require.NoError(t, err)

	reader := schema.StreamReaderFromArray([]*schema.Message{
		reasoningMessage("think first. "),
		schema.AssistantMessage("Hello", nil),
		nil,
		schema.AssistantMessage("", nil),
		schema.AssistantMessage(" world, streaming!", nil),
	})

	res := p.Run(ctx, Request{UserID: "u1", ConversationID: convID, Provider: "ark", Model: "m"}, reader, nil)
	require.NoError(t, res.Err)
	require.Equal(t, stream.StatusCompleted, res.Status)
	require.Equal(t, "Hello world, streaming!", res.Content)
	require.Equal(t, "think first. ", res.Reasoning)

	data := ledger.GetReconnectData(ctx, convID)
	require.NotNil(t, data)
	require.True(t, data.IsComplete)
	require.Len(t, data.Chunks, res.Chunks)
	for i, c := range data.Chunks {
		require.Equal(t, uint64(i), c.Index)
	}
	content, reasoning := data.Transcript()
	require.Equal(t, res.Content, content)
	require.Equal(t, res.Reasoning, reasoning)

	messages, err := store.LoadTranscript(ctx, convID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "Hello world, streaming!", messages[0].Content)
	require.Equal(t, "think first. ", messages[0].Reasoning)
	require.Equal(t, "ark", messages[0].Provider)
}

func TestPumpUpstreamErrorKeepsPartialTranscript(t *testing.T) {
	ctx := context.Background()
	p, ledger, store := newTestPump(t)
	_, err := store.EnsureConversation(ctx, "u1", "c1")
	require.NoError(t, err)

	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("partial answer", nil), nil)
		sw.Send(nil, errors.New("upstream reset"))
	}()

	res := p.Run(ctx, Request{UserID: "u1", ConversationID: "c1"}, sr, nil)
	require.Error(t, res.Err)
	require.Equal(t, stream.StatusError, res.Status)

	data := ledger.GetReconnectData(ctx, "c1")
	require.NotNil(t, data)
	require.Equal(t, stream.StatusError, data.Status)
	require.True(t, data.IsComplete)
	content, _ := data.Transcript()
	require.Equal(t, "partial answer", content)

	messages, err := store.LoadTranscript(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestPumpObserverReceivesFramesAndResult(t *testing.T) {
	ctx := context.Background()
	p, _, store := newTestPump(t)
	_, err := store.EnsureConversation(ctx, "u1", "c1")
	require.NoError(t, err)

	obs := NewObserver(64)
	reader := schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("Hello world", nil),
	})
	require.NoError(t, p.Start(ctx, Request{UserID: "u1", ConversationID: "c1"}, reader, obs))

	var got []stream.Chunk
	for c := range obs.Frames() {
		got = append(got, c)
	}
	select {
	case res := <-obs.Done():
		require.Equal(t, stream.StatusCompleted, res.Status)
		require.Len(t, got, res.Chunks)
	case <-time.After(time.Second):
		t.Fatal("pump did not finish")
	}
	content, _ := stream.JoinChunks(got)
	require.Equal(t, "Hello world", content)
}

func TestPumpKeepsRunningAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, ledger, store := newTestPump(t)
	_, err := store.EnsureConversation(ctx, "u1", "c1")
	require.NoError(t, err)

	sr, sw := schema.Pipe[*schema.Message](4)
	obs := NewObserver(1)
	require.NoError(t, p.Start(ctx, Request{UserID: "u1", ConversationID: "c1"}, sr, obs))

	// the client disconnects mid-turn and stops reading its frames
	cancel()
	sw.Send(schema.AssistantMessage("still ", nil), nil)
	sw.Send(schema.AssistantMessage("going on and on", nil), nil)
	sw.Close()

	select {
	case res := <-obs.Done():
		require.Equal(t, stream.StatusCompleted, res.Status)
	case <-time.After(time.Second):
		t.Fatal("pump did not finish")
	}

	data := ledger.GetReconnectData(context.Background(), "c1")
	require.True(t, data.IsComplete)
	content, _ := data.Transcript()
	require.Equal(t, "still going on and on", content)
}

func TestPumpStartOpensSessionBeforeReturning(t *testing.T) {
	ctx := context.Background()
	p, ledger, _ := newTestPump(t)

	sr, sw := schema.Pipe[*schema.Message](1)
	defer sw.Close()
	require.NoError(t, p.Start(ctx, Request{UserID: "u1", ConversationID: "c1"}, sr, NewObserver(8)))

	s := ledger.GetSession(ctx, "c1")
	require.NotNil(t, s)
	require.Equal(t, stream.StatusStreaming, s.Status)
	require.Equal(t, "u1", s.UserID)
}

func TestPumpRefusesSecondTurnWhileStreaming(t *testing.T) {
	ctx := context.Background()
	p, ledger, _ := newTestPump(t)

	first, firstW := schema.Pipe[*schema.Message](4)
	obs := NewObserver(64)
	require.NoError(t, p.Start(ctx, Request{UserID: "u1", ConversationID: "c1"}, first, obs))
	firstW.Send(schema.AssistantMessage("FIRST", nil), nil)
	require.True(t, p.Busy(ctx, "c1"))

	second, secondW := schema.Pipe[*schema.Message](4)
	defer secondW.Close()
	err := p.Start(ctx, Request{UserID: "u1", ConversationID: "c1"}, second, NewObserver(8))
	require.ErrorIs(t, err, ErrTurnInProgress)

	res := p.Run(ctx, Request{UserID: "u1", ConversationID: "c1"},
		schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("SECOND", nil)}), nil)
	require.ErrorIs(t, res.Err, ErrTurnInProgress)

	firstW.Send(schema.AssistantMessage(" done", nil), nil)
	firstW.Close()
	select {
	case res := <-obs.Done():
		require.Equal(t, stream.StatusCompleted, res.Status)
	case <-time.After(time.Second):
		t.Fatal("pump did not finish")
	}

	data := ledger.GetReconnectData(ctx, "c1")
	content, _ := data.Transcript()
	require.Equal(t, "FIRST done", content)

	// the conversation is free again once the turn finished
	require.Eventually(t, func() bool { return !p.Busy(ctx, "c1") }, time.Second, 5*time.Millisecond)
	res = p.Run(ctx, Request{UserID: "u1", ConversationID: "c1"},
		schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("next", nil)}), nil)
	require.NoError(t, res.Err)
}

func TestPumpRefusesConversationStreamingElsewhere(t *testing.T) {
	ctx := context.Background()
	p, ledger, _ := newTestPump(t)

	// another process holds the turn in the shared cache
	ledger.CreateSession(ctx, "u1", "c1")
	require.True(t, p.Busy(ctx, "c1"))

	res := p.Run(ctx, Request{UserID: "u1", ConversationID: "c1"},
		schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("late", nil)}), nil)
	require.ErrorIs(t, res.Err, ErrTurnInProgress)
	require.Equal(t, stream.StatusStreaming, ledger.GetSession(ctx, "c1").Status)
	require.Empty(t, ledger.GetSession(ctx, "c1").Chunks)
}
