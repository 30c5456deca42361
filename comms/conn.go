// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms implements the framed message channel used between the
// client and the trade service, and between swap counterparties relayed
// through the service. The wire format is newline-delimited JSON objects on
// an authenticated TLS stream. A bare empty line is a keep-alive.
package comms

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mappum/mercury/mercury"
)

const (
	// keepAliveInterval is how long the write side may sit idle before an
	// empty keep-alive line is written.
	keepAliveInterval = 30 * time.Second
	// readWait is the longest the read side will sit without any line,
	// keep-alives included, before the connection is considered broken.
	readWait = 3 * keepAliveInterval
	// writeWait is the per-write deadline.
	writeWait = 5 * time.Second
	// maxLineLength caps a single wire message.
	maxLineLength = 1 << 20
)

const (
	// ErrDisconnected is returned by Request when the connection drops before
	// a response arrives.
	ErrDisconnected = mercury.ErrorKind("connection closed")
	// ErrInvalidCert is returned when the provided TLS certificate PEM cannot
	// be parsed.
	ErrInvalidCert = mercury.ErrorKind("invalid certificate")
)

// Conn is a bidirectional message channel over a single net.Conn. Listeners
// are scoped to channels, so concurrent swaps sharing the connection do not
// see each other's traffic. Requests are correlated to responses by id, with
// the caller blocking on a future completed by the read loop.
type Conn struct {
	log  mercury.Logger
	conn net.Conn

	writeMtx  sync.Mutex
	lastWrite time.Time

	listenerMtx sync.RWMutex
	listenerID  uint64
	listeners   map[string]map[uint64]func(*Message)
	pending     map[string][]*Message
	dispatch    chan dispatchItem

	reqID  uint64
	reqMtx sync.Mutex
	reqs   map[uint64]chan *Message

	disconnectMtx sync.Mutex
	disconnectFns []func()
	disconnected  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewConn wraps an established net.Conn. Start must be called before any
// messages will be delivered.
func NewConn(conn net.Conn, log mercury.Logger) *Conn {
	return &Conn{
		log:       log,
		conn:      conn,
		lastWrite: time.Now(),
		listeners: make(map[string]map[uint64]func(*Message)),
		pending:   make(map[string][]*Message),
		dispatch:  make(chan dispatchItem, 64),
		reqs:      make(map[uint64]chan *Message),
		quit:      make(chan struct{}),
	}
}

// Dial connects to the trade service over TLS. certPEM, when non-nil, is an
// additional root certificate to accept.
func Dial(host string, certPEM []byte, log mercury.Logger) (*Conn, error) {
	tlsCfg, err := TLSConfig(host, certPEM)
	if err != nil {
		return nil, err
	}
	conn, err := tls.Dial("tcp", host, tlsCfg)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, log), nil
}

// Start launches the read loop, the dispatch loop, and the keep-alive
// writer.
func (c *Conn) Start() {
	c.wg.Add(3)
	go c.read()
	go c.dispatchLoop()
	go c.keepAlive()
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Conn) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// Send writes the message, fire-and-forget. Sends are serialized by a write
// lock shared with the keep-alive writer.
func (c *Conn) Send(msg *Message) error {
	return c.write(append(msg.Bytes(), '\n'))
}

// Request stamps the next request id into the message, sends it, and blocks
// until the matching response arrives, the context is done, or the
// connection drops.
func (c *Conn) Request(ctx context.Context, msg *Message) (*Message, error) {
	id := atomic.AddUint64(&c.reqID, 1)
	if err := msg.setID(id); err != nil {
		return nil, err
	}

	future := make(chan *Message, 1)
	c.reqMtx.Lock()
	c.reqs[id] = future
	c.reqMtx.Unlock()
	defer func() {
		c.reqMtx.Lock()
		delete(c.reqs, id)
		c.reqMtx.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-future:
		return resp, nil
	case <-c.quit:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a listener for all messages on the channel, returning
// an id for Unsubscribe. Listeners run sequentially on the dispatch loop, so
// they must not block on the connection's own traffic. Messages that arrived
// on the channel before any listener existed are held and delivered, in
// order, to the first subscriber.
func (c *Conn) Subscribe(channel string, f func(*Message)) uint64 {
	c.listenerMtx.Lock()
	c.listenerID++
	id := c.listenerID
	chans, ok := c.listeners[channel]
	if !ok {
		chans = make(map[uint64]func(*Message))
		c.listeners[channel] = chans
	}
	chans[id] = f
	held := len(c.pending[channel]) > 0
	c.listenerMtx.Unlock()
	if held {
		select {
		case c.dispatch <- dispatchItem{flush: channel}:
		case <-c.quit:
		}
	}
	return id
}

// Unsubscribe removes the identified channel listener.
func (c *Conn) Unsubscribe(channel string, id uint64) {
	c.listenerMtx.Lock()
	defer c.listenerMtx.Unlock()
	chans, ok := c.listeners[channel]
	if !ok {
		return
	}
	delete(chans, id)
	if len(chans) == 0 {
		delete(c.listeners, channel)
	}
}

// OnDisconnect registers a function to run once when the read loop exits.
// If the connection is already down, the function runs immediately.
func (c *Conn) OnDisconnect(f func()) {
	c.disconnectMtx.Lock()
	down := c.disconnected
	if !down {
		c.disconnectFns = append(c.disconnectFns, f)
	}
	c.disconnectMtx.Unlock()
	if down {
		f()
	}
}

func (c *Conn) write(b []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(b)
	if err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	c.lastWrite = time.Now()
	return nil
}

// keepAlive writes a bare empty line whenever the write side has been idle
// for keepAliveInterval.
func (c *Conn) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepAliveInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMtx.Lock()
			idle := time.Since(c.lastWrite) >= keepAliveInterval
			c.writeMtx.Unlock()
			if idle {
				if err := c.write([]byte("\n")); err != nil {
					c.log.Debugf("keep-alive write error: %v", err)
					return
				}
			}
		case <-c.quit:
			return
		}
	}
}

// dispatchItem is one unit of work for the dispatch loop: a message to
// deliver, or a channel whose held messages should be flushed to its first
// subscriber.
type dispatchItem struct {
	msg   *Message
	flush string
}

// read consumes wire lines. Responses complete request futures on the spot;
// everything else is handed to the dispatch loop.
func (c *Conn) read() {
	defer c.wg.Done()
	defer c.fireDisconnect()

	reader := bufio.NewReaderSize(c.conn, maxLineLength)
	for {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.quit:
			default:
				c.log.Errorf("read error: %v", err)
			}
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue // keep-alive
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			// Decode errors are not fatal. Log and proceed.
			c.log.Errorf("json decode error: %v", err)
			continue
		}

		// A message with an id and no method is a response to one of our
		// requests.
		if msg.ID != 0 && msg.Method == "" {
			c.reqMtx.Lock()
			future, ok := c.reqs[msg.ID]
			delete(c.reqs, msg.ID)
			c.reqMtx.Unlock()
			if !ok {
				c.log.Warnf("response for unknown request id %d", msg.ID)
				continue
			}
			future <- msg
			continue
		}

		c.dispatch <- dispatchItem{msg: msg}
	}
}

// maxPending caps the messages held for a channel nobody has subscribed to
// yet. Older messages are dropped first.
const maxPending = 32

// dispatchLoop delivers channel messages one at a time, so listeners on a
// channel always see its messages in wire order, held ones included.
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case item := <-c.dispatch:
			if item.flush != "" {
				c.deliver(item.flush, nil)
				continue
			}
			c.deliver(item.msg.Channel, item.msg)
		case <-c.quit:
			return
		}
	}
}

// deliver hands held messages and then msg, when non-nil, to the channel's
// listeners. With no listeners, msg joins the channel's held messages.
func (c *Conn) deliver(channel string, msg *Message) {
	c.listenerMtx.Lock()
	chans := c.listeners[channel]
	if len(chans) == 0 {
		if msg != nil {
			q := append(c.pending[channel], msg)
			if len(q) > maxPending {
				q = q[len(q)-maxPending:]
			}
			c.pending[channel] = q
		}
		c.listenerMtx.Unlock()
		return
	}
	queue := c.pending[channel]
	delete(c.pending, channel)
	if msg != nil {
		queue = append(queue, msg)
	}
	fns := make([]func(*Message), 0, len(chans))
	for _, f := range chans {
		fns = append(fns, f)
	}
	c.listenerMtx.Unlock()
	for _, m := range queue {
		for _, f := range fns {
			f(m)
		}
	}
}

func (c *Conn) fireDisconnect() {
	close(c.quit)
	c.disconnectMtx.Lock()
	fns := c.disconnectFns
	c.disconnectFns = nil
	c.disconnected = true
	c.disconnectMtx.Unlock()
	for _, f := range fns {
		f()
	}
}
