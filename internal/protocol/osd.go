package protocol

// Storage operations.
const (
	OSDOpRead  uint32 = 1
	OSDOpWrite uint32 = 2
	OSDOpStat  uint32 = 3
)

// OSDOpHead is the front of a storage op. Write data travels in the data
// section of the message.
type OSDOpHead struct {
	Tid    uint64
	Op     uint32
	Object string
	Offset uint64
	Length uint64
}

// OSDOpReplyHead is the front of a storage op reply. Read data travels in the
// data section; DataLen is its expected length.
type OSDOpReplyHead struct {
	Tid     uint64
	Op      uint32
	Result  int32
	DataLen uint64
}

// StatfsHead is the front of a statfs request.
type StatfsHead struct {
	Tid uint64
}

// StatfsReplyHead reports cluster-wide usage, in kilobytes.
type StatfsReplyHead struct {
	Tid       uint64
	Total     uint64
	Used      uint64
	Available uint64
	Objects   uint64
}
