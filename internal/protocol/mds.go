package protocol

// Metadata operations.
const (
	MDSOpStat   uint32 = 0x00100
	MDSOpLookup uint32 = 0x00101
	MDSOpOpen   uint32 = 0x00302
)

// OpenFlagDirectory is the open flag requesting directory semantics.
const OpenFlagDirectory uint32 = 0o200000

// Inode file types carried in trace entries.
const (
	ModeTypeMask uint32 = 0o170000
	ModeDir      uint32 = 0o040000
	ModeRegular  uint32 = 0o100000
)

// OpenArgs holds the OPEN-specific request arguments.
type OpenArgs struct {
	Flags uint32
	Mode  uint32
}

// RequestHead is the front of a client request.
type RequestHead struct {
	Tid    uint64
	Op     uint32
	Caller EntityName
	NumFwd uint32
	Path   string
	Open   OpenArgs
}

// TraceEntry is one step of the path walk returned by the metadata server,
// starting at the filesystem root and ending at the target.
type TraceEntry struct {
	Ino  uint64
	Mode uint32
	Name string
}

// ReplyHead is the front of a client reply. Result is zero or a negative
// errno-style code.
type ReplyHead struct {
	Tid         uint64
	Op          uint32
	Result      int32
	FileCaps    uint32
	FileCapsSeq uint32
	Trace       []TraceEntry
}

// ForwardHead tells the client a request has been handed to another rank.
type ForwardHead struct {
	Tid     uint64
	DestMDS int32
	NumFwd  uint32
}

// Session operations.
const (
	SessionRequestOpen  uint32 = 1
	SessionOpen         uint32 = 2
	SessionRequestClose uint32 = 3
	SessionClose        uint32 = 4
	SessionRenewCaps    uint32 = 5
	SessionStale        uint32 = 6
)

type SessionHead struct {
	Op  uint32
	Seq uint64
}

// Capability grant operations.
const (
	CapGrant   uint32 = 1
	CapRevoke  uint32 = 2
	CapRelease uint32 = 3
)

// Capability bits.
const (
	CapPin      uint32 = 1 << 0
	CapRead     uint32 = 1 << 1
	CapWrite    uint32 = 1 << 2
	CapRdCache  uint32 = 1 << 3
	CapWrBuffer uint32 = 1 << 4
)

type FilecapsHead struct {
	Op   uint32
	Ino  uint64
	Caps uint32
	Seq  uint32
}
