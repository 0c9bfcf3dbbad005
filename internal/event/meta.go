package event

import "github.com/google/uuid"

const GlobalPartition = "global"

// Meta is embedded in every command.
type Meta struct {
	CommandID uuid.UUID
	Source    string // Producer id; commands from one source are ordered by Sequence
	Sequence  int64
	Timestamp int64 // Unix seconds (versioned input)
}

func (m *Meta) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m *Meta) Partition() string {
	if m.Source == "" {
		return GlobalPartition
	}
	return "source:" + m.Source
}

func (m *Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m *Meta) Time() int64 {
	return m.Timestamp
}

// GetMeta exposes the embedded Meta to callers holding an Event.
func (m *Meta) GetMeta() *Meta {
	return m
}

// MetaCarrier is implemented by every command through Meta.
type MetaCarrier interface {
	GetMeta() *Meta
}
