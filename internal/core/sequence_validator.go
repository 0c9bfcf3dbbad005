package core

import (
	"errors"
	"fmt"
	"sort"

	"CDPLedger/internal/observability"
)

var (
	ErrOutOfOrder  = errors.New("out-of-order command")
	ErrSequenceGap = errors.New("sequence gap")
)

// SequenceValidator validates source sequences per partition.
// Source sequences start at 1; 0 means the command is unsequenced.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

// PartitionSequence is the persisted form of one partition's position.
type PartitionSequence struct {
	Partition    string `json:"partition"`
	NextExpected int64  `json:"next_expected"`
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering and advances the partition
// on success.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.GetExpectedSequence(partition)

	if sourceSequence < expected {
		// Redelivery of an applied command is expected
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w %s: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, idempotencyKey, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// Observe advances a partition past sourceSequence without checking for gaps.
// Used during replay, where rejected commands are absent from the log.
func (sv *SequenceValidator) Observe(partition string, sourceSequence int64) {
	if sourceSequence >= sv.GetExpectedSequence(partition) {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return 1
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns every tracked partition ordered by name.
func (sv *SequenceValidator) GetAllPartitions() []PartitionSequence {
	out := make([]PartitionSequence, 0, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out = append(out, PartitionSequence{Partition: p, NextExpected: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// RestorePartitions replaces all partition positions.
func (sv *SequenceValidator) RestorePartitions(list []PartitionSequence) {
	sv.expectedNextSeq = make(map[string]int64, len(list))
	for _, p := range list {
		sv.expectedNextSeq[p.Partition] = p.NextExpected
	}
}
