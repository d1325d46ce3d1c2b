package cache

import "strings"

const (
	sessionKeyPrefix    = "session:"
	chunksKeyPrefix     = "chunks:"
	chunkChannelBase    = "streaming:chunk:"
	completeChannelBase = "streaming:complete:"

	chunkChannelPattern    = chunkChannelBase + "*"
	completeChannelPattern = completeChannelBase + "*"
	sessionScanPattern     = sessionKeyPrefix + "*"
)

func sessionKey(id string) string      { return sessionKeyPrefix + id }
func chunksKey(id string) string       { return chunksKeyPrefix + id }
func chunkChannel(id string) string    { return chunkChannelBase + id }
func completeChannel(id string) string { return completeChannelBase + id }

type channelKind int

const (
	channelUnknown channelKind = iota
	channelChunk
	channelComplete
)

// parseChannel extracts the conversation id from a pub/sub channel name.
func parseChannel(channel string) (channelKind, string) {
	switch {
	case strings.HasPrefix(channel, chunkChannelBase):
		id := strings.TrimPrefix(channel, chunkChannelBase)
		if id == "" {
			return channelUnknown, ""
		}
		return channelChunk, id
	case strings.HasPrefix(channel, completeChannelBase):
		id := strings.TrimPrefix(channel, completeChannelBase)
		if id == "" {
			return channelUnknown, ""
		}
		return channelComplete, id
	default:
		return channelUnknown, ""
	}
}

func conversationFromSessionKey(key string) string {
	return strings.TrimPrefix(key, sessionKeyPrefix)
}
