package protocol

// Cluster map payloads. Each is carried as the front section of its
// announcement message. Epoch 0 never appears on the wire; it stands for
// "no map yet" on the client side.

type MonMap struct {
	Epoch uint32
	Mons  []EntityInst
}

// MDS states as advertised in the metadata map.
const (
	MDSStateDown   int32 = 0
	MDSStateActive int32 = 1
)

type MDSInfo struct {
	Rank  int32
	State int32
	Inst  EntityInst
}

type MDSMap struct {
	Epoch uint32
	MDSs  []MDSInfo
}

// Active returns the active servers in rank order of appearance.
func (m *MDSMap) Active() []MDSInfo {
	var out []MDSInfo
	for _, info := range m.MDSs {
		if info.State == MDSStateActive {
			out = append(out, info)
		}
	}
	return out
}

// Lookup returns the server with the given rank.
func (m *MDSMap) Lookup(rank int32) (MDSInfo, bool) {
	for _, info := range m.MDSs {
		if info.Rank == rank {
			return info, true
		}
	}
	return MDSInfo{}, false
}

// OSDMap carries the storage server set. Placement rules stay opaque.
type OSDMap struct {
	Epoch     uint32
	OSDs      []EntityInst
	Placement []byte
}

// MountHead is the front of a client mount request.
type MountHead struct {
	Addr EntityAddr
}

// GetMapHead asks a subsystem for its map when the client holds epoch Have.
type GetMapHead struct {
	Have uint32
}
