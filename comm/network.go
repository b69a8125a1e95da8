package comm

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luco2018/yask/types/errkind"
	"k8s.io/klog/v2"
)

// NetworkConfig describes one rank's place in a TCP process group.
// Every rank must be started with the same Addrs list and Token.
type NetworkConfig struct {
	// Rank is this process's index into Addrs.
	Rank int
	// Addrs lists the listen address of every rank, in rank order.
	Addrs []string
	// Token guards the group against stray connections; use NewToken to
	// create one and distribute it with the launch command.
	Token string
	// DialTimeout bounds the whole bootstrap; zero means 30s.
	DialTimeout time.Duration
}

// NewToken returns a fresh session token for NetworkConfig.Token.
func NewToken() string { return uuid.NewString() }

// hello is the first message on every connection.
type hello struct {
	Token string
	From  int
}

// frame is one point-to-point message.
type frame struct {
	From int
	Tag  int
	Data []float64
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
}

// netComm is a Comm over a full TCP mesh: rank i dials every lower rank and
// accepts from every higher one, so each pair shares one connection.
type netComm struct {
	cfg NetworkConfig
	ln  net.Listener

	peers []*peerConn // indexed by rank, nil at own rank.

	mu    sync.Mutex
	boxes map[mailKey]chan []float64

	closeOnce sync.Once
}

// DialNetwork bootstraps the TCP group endpoint for cfg.Rank. It blocks
// until every pairwise connection is established or the timeout expires.
func DialNetwork(cfg NetworkConfig) (Comm, error) {
	n := len(cfg.Addrs)
	if cfg.Rank < 0 || cfg.Rank >= n {
		return nil, errkind.Errorf(errkind.CommFailure, "rank %d outside group of %d", cfg.Rank, n)
	}
	if n == 1 {
		return NewSingle(), nil
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	c := &netComm{
		cfg:   cfg,
		peers: make([]*peerConn, n),
		boxes: make(map[mailKey]chan []float64),
	}
	ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
	if err != nil {
		return nil, errkind.Wrap(errkind.CommFailure, err, "listen failed")
	}
	c.ln = ln
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(deadline)
	}

	// Accept from higher ranks while dialing lower ones.
	acceptErr := make(chan error, 1)
	go func() {
		for i := cfg.Rank + 1; i < n; i++ {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			var h hello
			if err := gob.NewDecoder(conn).Decode(&h); err != nil || h.Token != cfg.Token ||
				h.From <= cfg.Rank || h.From >= n {
				klog.Warningf("comm: rejecting connection from %s", conn.RemoteAddr())
				_ = conn.Close()
				i-- // retry this slot.
				continue
			}
			c.addPeer(h.From, conn)
		}
		acceptErr <- nil
	}()

	for i := 0; i < cfg.Rank; i++ {
		conn, err := dialUntil(cfg.Addrs[i], deadline)
		if err != nil {
			_ = ln.Close()
			return nil, errkind.Wrap(errkind.CommFailure, err, "dial to lower rank failed")
		}
		if err := gob.NewEncoder(conn).Encode(hello{Token: cfg.Token, From: cfg.Rank}); err != nil {
			_ = ln.Close()
			return nil, errkind.Wrap(errkind.CommFailure, err, "handshake failed")
		}
		c.addPeer(i, conn)
	}
	if err := <-acceptErr; err != nil {
		_ = ln.Close()
		return nil, errkind.Wrap(errkind.CommFailure, err, "accept failed")
	}
	klog.V(1).Infof("comm: rank %d of %d connected", cfg.Rank, n)
	return c, nil
}

func dialUntil(addr string, deadline time.Time) (net.Conn, error) {
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, lastErr
}

func (c *netComm) addPeer(rank int, conn net.Conn) {
	p := &peerConn{conn: conn, enc: gob.NewEncoder(conn)}
	c.peers[rank] = p
	go c.readLoop(rank, conn)
}

func (c *netComm) readLoop(from int, conn net.Conn) {
	dec := gob.NewDecoder(conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return // connection closed or group shut down.
		}
		c.box(mailKey{from: from, to: c.cfg.Rank, tag: f.Tag}) <- f.Data
	}
}

func (c *netComm) box(k mailKey) chan []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.boxes[k]
	if !ok {
		ch = make(chan []float64, 16)
		c.boxes[k] = ch
	}
	return ch
}

func (c *netComm) Rank() int { return c.cfg.Rank }
func (c *netComm) Size() int { return len(c.cfg.Addrs) }

func (c *netComm) Isend(to, tag int, data []float64) Request {
	if to < 0 || to >= len(c.peers) || c.peers[to] == nil {
		return doneRequest{errkind.Errorf(errkind.CommFailure, "invalid send target %d from rank %d", to, c.cfg.Rank)}
	}
	cp := make([]float64, len(data))
	copy(cp, data)
	p := c.peers[to]
	req := &chanRequest{done: make(chan struct{})}
	go func() {
		p.mu.Lock()
		err := p.enc.Encode(frame{From: c.cfg.Rank, Tag: tag, Data: cp})
		p.mu.Unlock()
		req.err = errkind.Wrap(errkind.CommFailure, err, "send failed")
		close(req.done)
	}()
	return req
}

func (c *netComm) Irecv(from, tag int, data []float64) Request {
	if from < 0 || from >= len(c.peers) || c.peers[from] == nil {
		return doneRequest{errkind.Errorf(errkind.CommFailure, "invalid receive source %d on rank %d", from, c.cfg.Rank)}
	}
	ch := c.box(mailKey{from: from, to: c.cfg.Rank, tag: tag})
	req := &chanRequest{done: make(chan struct{})}
	go func() {
		msg := <-ch
		if len(msg) != len(data) {
			req.err = errkind.Errorf(errkind.CommFailure,
				"rank %d: message of %d elements does not fit receive buffer of %d (from %d, tag %d)",
				c.cfg.Rank, len(msg), len(data), from, tag)
		} else {
			copy(data, msg)
		}
		close(req.done)
	}()
	return req
}

// Reserved tags for the root-gather collectives.
const (
	tagReduceUp   = -1
	tagReduceDown = -2
)

// Allreduce gathers at rank 0 and broadcasts the combined value. Values must
// fit a float64 mantissa, which holds for every size and count the engine
// compares.
func (c *netComm) Allreduce(op Op, val int64) (int64, error) {
	n := c.Size()
	if c.cfg.Rank == 0 {
		acc := val
		for i := 1; i < n; i++ {
			buf := make([]float64, 1)
			if err := c.Irecv(i, tagReduceUp, buf).Wait(); err != nil {
				return 0, err
			}
			acc = combine(op, acc, int64(buf[0]))
		}
		for i := 1; i < n; i++ {
			if err := c.Isend(i, tagReduceDown, []float64{float64(acc)}).Wait(); err != nil {
				return 0, err
			}
		}
		return acc, nil
	}
	if err := c.Isend(0, tagReduceUp, []float64{float64(val)}).Wait(); err != nil {
		return 0, err
	}
	buf := make([]float64, 1)
	if err := c.Irecv(0, tagReduceDown, buf).Wait(); err != nil {
		return 0, err
	}
	return int64(buf[0]), nil
}

func (c *netComm) Barrier() error {
	_, err := c.Allreduce(OpSum, 0)
	return err
}

func (c *netComm) Close() error {
	c.closeOnce.Do(func() {
		for _, p := range c.peers {
			if p != nil {
				_ = p.conn.Close()
			}
		}
		if c.ln != nil {
			_ = c.ln.Close()
		}
	})
	return nil
}
