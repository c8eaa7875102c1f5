package messenger

import (
	"errors"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

type conn struct {
	id     uint64
	nc     net.Conn
	remote string
}

// peer owns the outbound queue and connection for one remote address.
type peer struct {
	m    *Messenger
	addr string
	out  chan *protocol.Message
	conn *conn
}

func newPeer(m *Messenger, addr string) *peer {
	return &peer{m: m, addr: addr, out: make(chan *protocol.Message, m.cfg.SendQueue)}
}

func (p *peer) run() {
	defer p.m.wg.Done()
	defer p.drain()

	for {
		select {
		case <-p.m.ctx.Done():
			return
		case msg := <-p.out:
			p.write(msg)
		}
	}
}

func (p *peer) write(msg *protocol.Message) {
	defer msg.Put()

	if p.conn == nil {
		c, err := p.dial()
		if err != nil {
			if p.m.ctx.Err() == nil {
				logger.Warn("messenger: dropping %s to %s: %v", msg.Hdr.Type, p.addr, err)
			}
			return
		}
		p.conn = c
	}

	frame, err := protocol.MarshalFrame(msg)
	if err != nil {
		logger.Error("messenger: encode %s to %s: %v", msg.Hdr.Type, p.addr, err)
		return
	}
	if _, err := p.conn.nc.Write(frame); err != nil {
		logger.Warn("messenger: write %s to %s: %v", msg.Hdr.Type, p.addr, err)
		p.m.untrack(p.conn)
		p.conn = nil
		return
	}
	p.m.cfg.Metrics.RecordFrame("out", len(frame))
}

// dial connects to the peer, retrying with exponential backoff until the
// retry window closes or the messenger shuts down. The new connection gets
// its own reader so replies sent back on it are delivered.
func (p *peer) dial() (*conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = p.m.cfg.DialRetryWindow

	dialer := net.Dialer{Timeout: p.m.cfg.DialTimeout}
	var nc net.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = dialer.DialContext(p.m.ctx, "tcp", p.addr)
		p.m.cfg.Metrics.RecordDial(err == nil)
		if err != nil && p.m.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, p.m.ctx), func(err error, wait time.Duration) {
		logger.Debug("messenger: dial %s failed, retrying in %s: %v", p.addr, wait, err)
	})
	if err != nil {
		return nil, err
	}

	c, ok := p.m.track(nc)
	if !ok {
		_ = nc.Close()
		return nil, ErrClosed
	}
	logger.Debug("messenger: connected to %s", p.addr)

	p.m.wg.Add(1)
	go p.m.readLoop(c)
	return c, nil
}

func (p *peer) drain() {
	for {
		select {
		case msg := <-p.out:
			msg.Put()
		default:
			return
		}
	}
}

// readLoop decodes frames from c until it fails or the messenger closes.
func (m *Messenger) readLoop(c *conn) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in messenger reader for %s: %v\n%s", c.remote, r, debug.Stack())
		}
		m.untrack(c)
	}()

	for {
		msg, err := protocol.ReadFrame(c.nc, m.cfg.MaxFrame)
		if err != nil {
			switch {
			case m.ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			case errors.Is(err, io.EOF):
				logger.Debug("messenger: %s closed the connection", c.remote)
			default:
				logger.Warn("messenger: read from %s: %v", c.remote, err)
			}
			return
		}
		m.cfg.Metrics.RecordFrame("in", len(msg.Front)+len(msg.Data))

		m.preparePages(msg)
		m.deliver(c.id, msg)
	}
}

func (m *Messenger) preparePages(msg *protocol.Message) {
	if len(msg.Data) == 0 || m.cfg.PreparePages == nil {
		return
	}
	pages, err := m.cfg.PreparePages(msg, len(msg.Data))
	if err != nil {
		logger.Debug("messenger: no pages for %s: %v", msg.Hdr.Type, err)
		return
	}
	copy(pages, msg.Data)
	msg.Data = pages
}

func (m *Messenger) deliver(connID uint64, msg *protocol.Message) {
	if m.cfg.Queue == nil {
		m.cfg.Dispatch(msg)
		return
	}
	if !m.cfg.Queue.Submit(connID, func() { m.cfg.Dispatch(msg) }) {
		msg.Put()
	}
}
