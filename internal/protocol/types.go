package protocol

import "fmt"

// MsgType is the message type tag carried in every envelope header.
// Values are fixed for wire compatibility.
type MsgType uint32

const (
	MsgShutdown MsgType = 1
	MsgPing     MsgType = 2
	MsgPingAck  MsgType = 3

	MsgMonMap        MsgType = 4
	MsgClientMount   MsgType = 10
	MsgClientUnmount MsgType = 11
	MsgStatfs        MsgType = 12
	MsgStatfsReply   MsgType = 13

	MsgMDSGetMap            MsgType = 20
	MsgMDSMap               MsgType = 21
	MsgClientSession        MsgType = 22
	MsgClientReconnect      MsgType = 23
	MsgClientRequest        MsgType = 24
	MsgClientRequestForward MsgType = 25
	MsgClientReply          MsgType = 26
	MsgClientFilecaps       MsgType = 0x310

	MsgOSDGetMap  MsgType = 40
	MsgOSDMap     MsgType = 41
	MsgOSDOp      MsgType = 42
	MsgOSDOpReply MsgType = 43
)

var msgTypeNames = map[MsgType]string{
	MsgShutdown:             "shutdown",
	MsgPing:                 "ping",
	MsgPingAck:              "ping_ack",
	MsgMonMap:               "mon_map",
	MsgClientMount:          "client_mount",
	MsgClientUnmount:        "client_unmount",
	MsgStatfs:               "statfs",
	MsgStatfsReply:          "statfs_reply",
	MsgMDSGetMap:            "mds_getmap",
	MsgMDSMap:               "mds_map",
	MsgClientSession:        "client_session",
	MsgClientReconnect:      "client_reconnect",
	MsgClientRequest:        "client_request",
	MsgClientRequestForward: "client_request_forward",
	MsgClientReply:          "client_reply",
	MsgClientFilecaps:       "client_filecaps",
	MsgOSDGetMap:            "osd_getmap",
	MsgOSDMap:               "osd_map",
	MsgOSDOp:                "osd_op",
	MsgOSDOpReply:           "osd_opreply",
}

// String returns the diagnostic name of the tag, or "unknown".
func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// EntityType identifies the kind of cluster participant.
type EntityType uint32

const (
	EntityMon    EntityType = 1
	EntityMDS    EntityType = 2
	EntityOSD    EntityType = 3
	EntityClient EntityType = 4
)

func (t EntityType) String() string {
	switch t {
	case EntityMon:
		return "mon"
	case EntityMDS:
		return "mds"
	case EntityOSD:
		return "osd"
	case EntityClient:
		return "client"
	default:
		return "entity"
	}
}

// EntityName is a logical participant name such as mon0 or client4123.
type EntityName struct {
	Type EntityType
	Num  int64
}

func (n EntityName) String() string {
	return fmt.Sprintf("%s%d", n.Type, n.Num)
}

// EntityAddr is a network address plus a per-process nonce that
// distinguishes restarts on the same address.
type EntityAddr struct {
	Addr  string
	Nonce uint32
}

// EntityInst binds a name to the address it is reachable at.
type EntityInst struct {
	Name EntityName
	Addr EntityAddr
}

func (i EntityInst) String() string {
	return fmt.Sprintf("%s %s/%d", i.Name, i.Addr.Addr, i.Addr.Nonce)
}
