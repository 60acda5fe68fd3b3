// Package offsets tracks read positions of partitioned log sources.
//
// For each (topic, partition) the tracker keeps Cur, the last consumed
// offset, and Max, the partition's high watermark snapshotted once when the
// run starts. A partition is exhausted when Cur+1 >= Max, so a run reads a
// bounded slice of the log and never waits for new messages.
package offsets

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const stateKey = "offsets"

// PartitionOffset is the position of one partition. Cur <= Max always.
type PartitionOffset struct {
	Cur int64 `json:"cur"`
	Max int64 `json:"max"`
}

// Unread reports whether messages remain below the snapshotted Max.
func (p PartitionOffset) Unread() bool { return p.Cur+1 < p.Max }

// Resolver looks up partition metadata.
type Resolver interface {
	Partitions(topic string) ([]int32, error)
	// Oldest returns the first available offset
	Oldest(topic string, partition int32) (int64, error)
	// Newest returns the offset the next produced message will get
	Newest(topic string, partition int32) (int64, error)
	// OffsetForTime returns the first offset whose timestamp is at or after
	// t; ok is false when no such offset exists
	OffsetForTime(topic string, partition int32, t time.Time) (offset int64, ok bool, err error)
}

// Tracker holds the offsets of a set of topics and mirrors them into a
// state bag.
type Tracker struct {
	resolver  Resolver
	bag       *state.Bag
	topics    []string
	startFrom time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	offsets map[string]map[int32]*PartitionOffset
}

// NewTracker creates a tracker. A non-zero startFrom positions fresh
// partitions at the first message at or after that time.
func NewTracker(resolver Resolver, bag *state.Bag, topics []string, startFrom time.Time, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		resolver:  resolver,
		bag:       bag,
		topics:    topics,
		startFrom: startFrom,
		logger:    logger.With(zap.String("component", "offset_tracker")),
		offsets:   make(map[string]map[int32]*PartitionOffset),
	}
}

// Init snapshots Max for every partition and positions Cur from persisted
// state, startFrom or the oldest offset.
func (t *Tracker) Init(ctx context.Context) error {
	stored := t.stored()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, topic := range t.topics {
		if err := ctx.Err(); err != nil {
			return err
		}
		parts, err := t.resolver.Partitions(topic)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to list partitions of %s", topic))
		}
		tp := make(map[int32]*PartitionOffset, len(parts))
		for _, p := range parts {
			po, err := t.initPartition(topic, p, stored[topic])
			if err != nil {
				return err
			}
			tp[p] = po
		}
		t.offsets[topic] = tp
		t.writeTopic(topic)
	}
	return nil
}

func (t *Tracker) initPartition(topic string, p int32, stored map[string]any) (*PartitionOffset, error) {
	high, err := t.resolver.Newest(topic, p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to read newest offset of %s/%d", topic, p))
	}
	oldest, err := t.resolver.Oldest(topic, p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to read oldest offset of %s/%d", topic, p))
	}

	po := &PartitionOffset{Max: high}
	if cur, ok := storedCur(stored, p); ok {
		po.Cur = cur
		// retention may have removed messages we never read
		if po.Cur < oldest-1 {
			po.Cur = oldest - 1
		}
	} else if !t.startFrom.IsZero() {
		off, found, err := t.resolver.OffsetForTime(topic, p, t.startFrom)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to resolve start offset of %s/%d", topic, p))
		}
		if found {
			po.Cur = off - 1
		} else {
			po.Cur = high - 1
			t.logger.Warn("no offset at or after start time, skipping to end of partition",
				zap.String("topic", topic),
				zap.Int32("partition", p),
				zap.Time("start_from", t.startFrom),
				zap.Int64("max", high))
		}
	} else {
		po.Cur = oldest - 1
	}

	if po.Cur > po.Max {
		po.Cur = po.Max
	}
	return po, nil
}

// HasUnread reports whether any partition has messages below its Max.
func (t *Tracker) HasUnread() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, parts := range t.offsets {
		for _, po := range parts {
			if po.Unread() {
				return true
			}
		}
	}
	return false
}

// Unread returns, per unread partition of topic, the next offset to read.
func (t *Tracker) Unread(topic string) map[int32]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int32]int64)
	for p, po := range t.offsets[topic] {
		if po.Unread() {
			out[p] = po.Cur + 1
		}
	}
	return out
}

// Get returns the position of one partition.
func (t *Tracker) Get(topic string, partition int32) (PartitionOffset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po, ok := t.offsets[topic][partition]
	if !ok {
		return PartitionOffset{}, false
	}
	return *po, true
}

// Renew records offset as consumed and writes the position into the bag.
func (t *Tracker) Renew(topic string, partition int32, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts, ok := t.offsets[topic]
	if !ok {
		parts = make(map[int32]*PartitionOffset)
		t.offsets[topic] = parts
	}
	po, ok := parts[partition]
	if !ok {
		po = &PartitionOffset{Max: offset + 1}
		parts[partition] = po
	}
	po.Cur = offset
	if po.Cur > po.Max {
		po.Max = po.Cur
	}
	t.writeTopic(topic)
}

// Checkpoint persists the bag.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	return t.bag.Flush(ctx)
}

// Topics returns the tracked topics in order.
func (t *Tracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.offsets))
	for topic := range t.offsets {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// writeTopic mirrors one topic into the bag; callers hold t.mu.
func (t *Tracker) writeTopic(topic string) {
	root := t.bag.Map(stateKey)
	parts := make(map[string]any, len(t.offsets[topic]))
	for p, po := range t.offsets[topic] {
		parts[strconv.Itoa(int(p))] = map[string]any{"cur": po.Cur, "max": po.Max}
	}
	root[topic] = parts
	t.bag.Touch()
}

// stored returns {topic: {partition: {cur, max}}} from the bag.
func (t *Tracker) stored() map[string]map[string]any {
	out := make(map[string]map[string]any)
	raw, ok := t.bag.Get(stateKey)
	if !ok {
		return out
	}
	m, _ := raw.(map[string]any)
	for topic, v := range m {
		if parts, ok := v.(map[string]any); ok {
			out[topic] = parts
		}
	}
	return out
}

func storedCur(parts map[string]any, p int32) (int64, bool) {
	if parts == nil {
		return 0, false
	}
	entry, ok := parts[strconv.Itoa(int(p))].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := entry["cur"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
