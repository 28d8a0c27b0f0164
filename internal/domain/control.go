package domain

// ControlType distinguishes out-of-band control events.
type ControlType uint8

const (
	// ControlSync asks the consumer to report and commit its position.
	ControlSync ControlType = iota + 1

	// ControlStop asks the consumer to stop at the transaction boundary.
	ControlStop
)

func (t ControlType) String() string {
	switch t {
	case ControlSync:
		return "SYNC"
	case ControlStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ControlEvent is a synchronization or stop marker merged into a channel
// queue. Header, when set, is the last transaction header read by the channel.
type ControlEvent struct {
	Type   ControlType
	Seqno  int64
	Header *Header
}

// PartitionerResponse is the channel assignment for one transaction.
type PartitionerResponse struct {
	Partition int
	Critical  bool
}

// Replication roles advertised in handshake capabilities.
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// UnknownShard is the shard id given to transactions whose shard could not
// be determined. They always run serialized.
const UnknownShard = "#UNKNOWN"
