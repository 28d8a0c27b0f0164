package parallel

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/bft-labs/thlship/internal/domain"
)

// Partitioner assigns a transaction to a channel. It is called with the
// first fragment of every non-empty transaction by every channel reader, so
// it must be deterministic.
type Partitioner interface {
	Partition(ev *domain.Event, channel int) domain.PartitionerResponse
}

// PartitionerFunc adapts a function to Partitioner.
type PartitionerFunc func(ev *domain.Event, channel int) domain.PartitionerResponse

// Partition calls f.
func (f PartitionerFunc) Partition(ev *domain.Event, channel int) domain.PartitionerResponse {
	return f(ev, channel)
}

// MetadataCritical marks a transaction that must run alone.
const MetadataCritical = "critical"

// Partitioner names accepted by NewPartitioner.
const (
	PartitionerHash       = "hash"
	PartitionerRoundRobin = "round-robin"
	PartitionerSingle     = "single"
)

var partitioners = map[string]func(n int) Partitioner{
	PartitionerHash:       func(n int) Partitioner { return &ShardHashPartitioner{partitions: n} },
	PartitionerRoundRobin: func(n int) Partitioner { return &RoundRobinPartitioner{partitions: n} },
	PartitionerSingle:     func(int) Partitioner { return SinglePartitioner{} },
}

// NewPartitioner returns the named partitioner for n channels.
func NewPartitioner(name string, n int) (Partitioner, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: partitions must be positive, got %d", domain.ErrInvalidConfig, n)
	}
	mk, ok := partitioners[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown partitioner %q (known: %s)",
			domain.ErrInvalidConfig, name, strings.Join(PartitionerNames(), ", "))
	}
	return mk(n), nil
}

// PartitionerNames lists the registered partitioners.
func PartitionerNames() []string {
	names := make([]string, 0, len(partitioners))
	for name := range partitioners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShardHashPartitioner keeps every shard on one channel. Transactions with
// an unknown shard or the critical metadata flag run serialized on
// channel 0.
type ShardHashPartitioner struct {
	partitions int
}

// Partition hashes the shard id.
func (p *ShardHashPartitioner) Partition(ev *domain.Event, _ int) domain.PartitionerResponse {
	if ev.ShardID == "" || ev.ShardID == domain.UnknownShard || ev.Metadata(MetadataCritical) == "true" {
		return domain.PartitionerResponse{Partition: 0, Critical: true}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.ShardID))
	return domain.PartitionerResponse{Partition: int(h.Sum32() % uint32(p.partitions))}
}

// RoundRobinPartitioner spreads transactions by seqno.
type RoundRobinPartitioner struct {
	partitions int
}

// Partition returns seqno modulo the channel count.
func (p *RoundRobinPartitioner) Partition(ev *domain.Event, _ int) domain.PartitionerResponse {
	part := int(ev.Seqno % int64(p.partitions))
	if part < 0 {
		part += p.partitions
	}
	return domain.PartitionerResponse{Partition: part}
}

// SinglePartitioner puts everything on channel 0.
type SinglePartitioner struct{}

// Partition always returns channel 0.
func (SinglePartitioner) Partition(*domain.Event, int) domain.PartitionerResponse {
	return domain.PartitionerResponse{}
}
