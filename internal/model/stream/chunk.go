package stream

// Chunk is one incremental piece of assistant output with a stable ledger position.
type Chunk struct {
	Index     uint64 `json:"index"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Delta is what the pump hands to the ledger for a single append.
type Delta struct {
	Content   string
	Reasoning string
}

// Empty reports whether the delta carries no text at all.
func (d Delta) Empty() bool {
	return d.Content == "" && d.Reasoning == ""
}
