package client

import (
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

// handlerInfo holds the name and handler of a routed message type.
// Handlers run on delivery workers and must not block.
type handlerInfo struct {
	Name   string
	Handle func(c *Client, m *protocol.Message) error
}

func defaultHandlers() map[protocol.MsgType]handlerInfo {
	return map[protocol.MsgType]handlerInfo{
		protocol.MsgMonMap: {
			Name:   "MonMap",
			Handle: (*Client).handleMonMap,
		},
		protocol.MsgStatfsReply: {
			Name:   "StatfsReply",
			Handle: func(c *Client, m *protocol.Message) error { return c.monc.HandleStatfsReply(m) },
		},
		protocol.MsgMDSMap: {
			Name:   "MDSMap",
			Handle: (*Client).handleMDSMap,
		},
		protocol.MsgClientSession: {
			Name:   "ClientSession",
			Handle: func(c *Client, m *protocol.Message) error { return c.mdsc.HandleSession(m) },
		},
		protocol.MsgClientReply: {
			Name:   "ClientReply",
			Handle: func(c *Client, m *protocol.Message) error { return c.mdsc.HandleReply(m) },
		},
		protocol.MsgClientRequestForward: {
			Name:   "ClientRequestForward",
			Handle: func(c *Client, m *protocol.Message) error { return c.mdsc.HandleForward(m) },
		},
		protocol.MsgClientFilecaps: {
			Name:   "ClientFilecaps",
			Handle: func(c *Client, m *protocol.Message) error { return c.mdsc.HandleFilecaps(m) },
		},
		protocol.MsgOSDMap: {
			Name:   "OSDMap",
			Handle: (*Client).handleOSDMap,
		},
		protocol.MsgOSDOpReply: {
			Name:   "OSDOpReply",
			Handle: func(c *Client, m *protocol.Message) error { return c.osdc.HandleReply(m) },
		},
	}
}

// Dispatch routes an inbound message to its handler and releases it.
//
// The caller's reference on m is always dropped exactly once, whatever the
// handler does. Unknown types and handler failures are logged, never returned.
func (c *Client) Dispatch(m *protocol.Message) {
	defer m.Put()

	typ := m.Hdr.Type
	h, ok := c.handlers[typ]
	if !ok {
		c.metrics.RecordUnknownMessage(uint32(typ))
		if admit, dropped := c.unknownLog.Admit(); admit {
			if dropped > 0 {
				logger.Warn("dispatch: unknown message type %d (%s) from %s (%d more suppressed)", uint32(typ), typ, m.Hdr.Src.Name, dropped)
			} else {
				logger.Warn("dispatch: unknown message type %d (%s) from %s", uint32(typ), typ, m.Hdr.Src.Name)
			}
		}
		return
	}

	err := h.Handle(c, m)
	c.metrics.RecordDispatch(typ.String(), err != nil)
	if err != nil {
		logger.Error("dispatch %s from %s: %v", h.Name, m.Hdr.Src.Name, err)
	}
}

func (c *Client) handleMonMap(m *protocol.Message) error {
	old, cur, err := c.monc.HandleMap(m)
	if err != nil {
		return err
	}

	if old == 0 && cur > 0 {
		name := m.Hdr.Dst.Name
		c.whoami.Store(name.Num)
		c.transport.SetSelf(name)
		c.deps.Registry.SetIdentity(c.id, name.Num)
		logger.Info("i am client%d", name.Num)
	}

	c.markFirstSeen(KindMonitor, old, cur)
	return nil
}

func (c *Client) handleMDSMap(m *protocol.Message) error {
	old, cur, err := c.mdsc.HandleMap(m)
	if err != nil {
		return err
	}
	c.markFirstSeen(KindMetadata, old, cur)
	return nil
}

func (c *Client) handleOSDMap(m *protocol.Message) error {
	old, cur, err := c.osdc.HandleMap(m)
	if err != nil {
		return err
	}
	c.markFirstSeen(KindStorage, old, cur)
	return nil
}

func (c *Client) markFirstSeen(kind MapKind, old, cur uint32) {
	if c.tracker.MarkFirstSeen(kind, old, cur) {
		c.metrics.RecordFirstMap(kind.String())
		logger.Debug("client %s: first %s map, epoch %d", c.id, kind, cur)
	}
}
