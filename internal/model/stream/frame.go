package stream

// ChunkFrame is one chunk as sent on the wire. Cached marks replayed chunks.
type ChunkFrame struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Index     uint64 `json:"index"`
	Cached    bool   `json:"cached"`
}

// NewChunkFrame wraps c for the wire.
func NewChunkFrame(c Chunk, cached bool) ChunkFrame {
	return ChunkFrame{
		Content:   c.Content,
		Reasoning: c.Reasoning,
		Index:     c.Index,
		Cached:    cached,
	}
}

// StatusFrame is either the resume marker after a replay or the terminal marker.
type StatusFrame struct {
	Status      Status `json:"status"`
	IsComplete  bool   `json:"isComplete"`
	ResumePoint *int   `json:"resumePoint,omitempty"`
	Cached      bool   `json:"cached"`
}

// NewResumeFrame marks the end of the replay. Live chunks start at resumePoint.
func NewResumeFrame(status Status, resumePoint int) StatusFrame {
	return StatusFrame{
		Status:      status,
		IsComplete:  status.Terminal(),
		ResumePoint: &resumePoint,
		Cached:      true,
	}
}

// NewTerminalFrame closes a live stream.
func NewTerminalFrame(status Status) StatusFrame {
	return StatusFrame{Status: status, IsComplete: true}
}

// CompleteResponse is the one-shot answer for a finished session.
type CompleteResponse struct {
	Status     Status `json:"status"`
	IsComplete bool   `json:"isComplete"`
	Content    string `json:"content"`
	Reasoning  string `json:"reasoning"`
	ChunkCount int    `json:"chunkCount"`
}

// NewCompleteResponse concatenates the ledger in index order.
func NewCompleteResponse(d *ReconnectData) CompleteResponse {
	content, reasoning := d.Transcript()
	return CompleteResponse{
		Status:     d.Status,
		IsComplete: d.IsComplete,
		Content:    content,
		Reasoning:  reasoning,
		ChunkCount: len(d.Chunks),
	}
}

// PollRequest asks for chunks after LastChunkIndex. A missing index means all.
type PollRequest struct {
	ConversationID string `json:"conversationId"`
	LastChunkIndex *int64 `json:"lastChunkIndex"`
}

// PollResponse is the poll answer.
type PollResponse struct {
	Status      Status  `json:"status"`
	IsComplete  bool    `json:"isComplete"`
	Chunks      []Chunk `json:"chunks"`
	TotalChunks int     `json:"totalChunks"`
}
