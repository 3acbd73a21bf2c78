// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"io"
	"net"
	"sync"
	"time"
)

// ChannelConn wraps a detached pion data channel as a net.Conn. The
// detached ReadWriteCloser preserves SCTP message boundaries: each
// Read returns one whole frame as written by the peer, which is what
// the frame codec above this relies on.
//
// Deadline support uses timer-based cancellation: when a deadline
// fires, the underlying channel is closed, unblocking any pending
// Read or Write. Once a deadline has fired the conn is permanently
// broken, matching the way an aborted handshake tears the session
// down rather than resuming it.
type ChannelConn struct {
	rwc       io.ReadWriteCloser
	localAddr channelAddr
	peerAddr  channelAddr

	mu            sync.Mutex
	readTimer     *time.Timer
	writeTimer    *time.Timer
	deadlineFired bool
}

var _ net.Conn = (*ChannelConn)(nil)

func newChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *ChannelConn {
	return &ChannelConn{
		rwc:       rwc,
		localAddr: channelAddr{label: localLabel},
		peerAddr:  channelAddr{label: peerLabel},
	}
}

func (c *ChannelConn) Read(buffer []byte) (int, error) {
	return c.rwc.Read(buffer)
}

func (c *ChannelConn) Write(buffer []byte) (int, error) {
	return c.rwc.Write(buffer)
}

func (c *ChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *ChannelConn) LocalAddr() net.Addr  { return &c.localAddr }
func (c *ChannelConn) RemoteAddr() net.Addr { return &c.peerAddr }

// SetDeadline sets both read and write deadlines. A zero value clears
// them.
func (c *ChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armTimerLocked(c.readTimer, deadline)
	c.writeTimer = c.armTimerLocked(c.writeTimer, deadline)
	return nil
}

func (c *ChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armTimerLocked(c.readTimer, deadline)
	return nil
}

func (c *ChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armTimerLocked(c.writeTimer, deadline)
	return nil
}

func (c *ChannelConn) armTimerLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineFired {
		return nil
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.fireDeadlineLocked()
		return nil
	}
	return time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.fireDeadlineLocked()
	})
}

// fireDeadlineLocked closes the underlying channel to unblock pending
// I/O. Must be called with c.mu held.
func (c *ChannelConn) fireDeadlineLocked() {
	if c.deadlineFired {
		return
	}
	c.deadlineFired = true
	c.rwc.Close()
}

func (c *ChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// channelAddr is a synthetic net.Addr for data channel endpoints.
type channelAddr struct {
	label string
}

func (a *channelAddr) Network() string { return "webrtc" }
func (a *channelAddr) String() string  { return a.label }
