package mdsclient

import (
	"context"
	"fmt"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

type SessionState int

const (
	SessionNew SessionState = iota
	SessionOpening
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionOpening:
		return "opening"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session is the client's session with one metadata server.
type Session struct {
	MDS   int32
	State SessionState
	Seq   uint64

	opened *completion.Completion
}

// SessionState returns the state of the session with mds.
func (c *Client) SessionState(mds int32) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[mds]; ok {
		return s.State
	}
	return SessionNew
}

// openSession makes sure a session with dst is open, requesting one and
// waiting for the server's acknowledgement if needed.
func (c *Client) openSession(ctx context.Context, dst protocol.EntityInst) error {
	rank := int32(dst.Name.Num)

	c.mu.Lock()
	s, ok := c.sessions[rank]
	if !ok || s.State == SessionClosed {
		s = &Session{MDS: rank, State: SessionNew, opened: c.newCompletion()}
		c.sessions[rank] = s
	}
	first := s.State == SessionNew
	if first {
		s.State = SessionOpening
	}
	c.mu.Unlock()

	if first {
		front, err := protocol.Encode(&protocol.SessionHead{Op: protocol.SessionRequestOpen})
		if err != nil {
			return err
		}
		if err := c.send.Send(protocol.NewMessage(protocol.MsgClientSession, front), dst); err != nil {
			c.mu.Lock()
			s.State = SessionClosed
			c.mu.Unlock()
			return fmt.Errorf("open session with %s: %w", dst.Name, err)
		}
	}

	if err := s.opened.Wait(ctx, c.opts.Timeout); err != nil {
		return fmt.Errorf("open session with %s: %w", dst.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if s.State != SessionOpen {
		return fmt.Errorf("session with %s is %s", dst.Name, s.State)
	}
	return nil
}

// HandleSession applies a session control message from a server.
func (c *Client) HandleSession(m *protocol.Message) error {
	var h protocol.SessionHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	rank := int32(m.Hdr.Src.Name.Num)

	c.mu.Lock()
	s, ok := c.sessions[rank]
	if !ok {
		s = &Session{MDS: rank, opened: c.newCompletion()}
		c.sessions[rank] = s
	}

	switch h.Op {
	case protocol.SessionOpen:
		s.State = SessionOpen
		s.Seq = h.Seq
		c.mu.Unlock()
		s.opened.Complete()
		logger.Debug("mdsclient: session with mds%d open seq %d", rank, h.Seq)
		return nil

	case protocol.SessionClose:
		s.State = SessionClosed
		c.mu.Unlock()
		s.opened.Complete()
		logger.Info("mdsclient: session with mds%d closed", rank)
		return nil

	case protocol.SessionRenewCaps:
		s.Seq = h.Seq
		c.mu.Unlock()
		return nil

	case protocol.SessionStale:
		c.mu.Unlock()
		logger.Warn("mdsclient: session with mds%d went stale", rank)
		return nil

	default:
		c.mu.Unlock()
		return fmt.Errorf("mds%d: unexpected session op %d", rank, h.Op)
	}
}
