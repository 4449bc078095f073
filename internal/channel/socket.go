package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/ipc"
)

// socketChannel is one endpoint of a push/pull socket pair.
//
// Bound push (ventilator) hands each line to whichever dialled puller asked
// for work most recently, so lanes balance load by pulling. Bound pull
// (sink) merges the lines of every dialled pusher and ends once all expected
// pushers have sent EOF.
type socketChannel struct {
	spec Spec
	r    *Resolver
}

func (c *socketChannel) Spec() Spec           { return c.spec }
func (c *socketChannel) IOName() string       { return c.spec.Address }
func (c *socketChannel) Path() (string, bool) { return "", false }
func (c *socketChannel) Create() error        { return nil }

func (c *socketChannel) OpenReader(ctx context.Context) (io.ReadCloser, error) {
	if err := c.spec.Check(Read); err != nil {
		return nil, err
	}
	if c.spec.Bind {
		return listenSink(ctx, c.spec.Address, c.r.expectedPeers(c.spec.Address), c.r.opts.Logger)
	}
	conn, err := dial(ctx, c.spec.Address, c.r.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	return &pullReader{conn: conn, br: bufio.NewReader(conn)}, nil
}

func (c *socketChannel) OpenWriter(ctx context.Context) (io.WriteCloser, error) {
	if err := c.spec.Check(Write); err != nil {
		return nil, err
	}
	if c.spec.Bind {
		return listenVentilator(ctx, c.spec.Address, c.r.expectedPeers(c.spec.Address), c.r.opts.Logger)
	}
	conn, err := dial(ctx, c.spec.Address, c.r.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	return newPushWriter(conn), nil
}

// Touch opens and closes the endpoint. A bound sink is drained so the
// lanes feeding it can finish.
func (c *socketChannel) Touch(ctx context.Context, d Direction) error {
	if d == Read {
		rc, err := c.OpenReader(ctx)
		if err != nil {
			return err
		}
		if c.spec.Bind {
			_, err = io.Copy(io.Discard, rc)
		}
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
		return err
	}
	wc, err := c.OpenWriter(ctx)
	if err != nil {
		return err
	}
	return wc.Close()
}

// dial connects to addr, retrying with backoff until timeout because the
// binding side may not be listening yet.
func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	delays := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
	}
	deadline := time.Now().Add(timeout)
	var d net.Dialer
	for attempt := 0; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delays[min(attempt, len(delays)-1)]):
		}
	}
}

// pullReader is a dialled pull endpoint (lane input).
type pullReader struct {
	conn net.Conn
	br   *bufio.Reader
	buf  []byte
	eof  bool
}

func (p *pullReader) Read(b []byte) (int, error) {
	for len(p.buf) == 0 {
		if p.eof {
			return 0, io.EOF
		}
		if err := ipc.WriteFrame(p.conn, ipc.TagReady, nil); err != nil {
			return 0, err
		}
		tag, payload, err := ipc.ReadFrame(p.br)
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, err
		}
		switch tag {
		case ipc.TagData:
			p.buf = payload
		case ipc.TagEOF:
			p.eof = true
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *pullReader) Close() error {
	return p.conn.Close()
}

// pushWriter is a dialled push endpoint (lane output).
type pushWriter struct {
	conn   net.Conn
	bw     *bufio.Writer
	framer *ipc.LineFramer
}

func newPushWriter(conn net.Conn) *pushWriter {
	w := &pushWriter{conn: conn, bw: bufio.NewWriter(conn)}
	w.framer = ipc.NewLineFramer(func(line []byte) error {
		return ipc.WriteFrame(w.bw, ipc.TagData, line)
	})
	return w
}

func (w *pushWriter) Write(p []byte) (int, error) {
	return w.framer.Write(p)
}

func (w *pushWriter) Close() error {
	err := w.framer.Flush()
	if err == nil {
		err = ipc.WriteFrame(w.bw, ipc.TagEOF, nil)
	}
	if err == nil {
		err = w.bw.Flush()
	}
	if cerr := w.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// ventilator is a bound push endpoint.
type ventilator struct {
	ctx    context.Context
	ln     net.Listener
	expect int
	log    *zap.Logger
	framer *ipc.LineFramer

	ready      chan *peer
	closing    chan struct{}
	accepted   chan struct{}
	acceptDone chan struct{}
	readers    sync.WaitGroup

	mu     sync.Mutex
	peers  []*peer
	closed bool
}

type peer struct {
	conn net.Conn
	dead bool
}

func listenVentilator(ctx context.Context, addr string, expect int, log *zap.Logger) (*ventilator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	v := &ventilator{
		ctx:        ctx,
		ln:         ln,
		expect:     expect,
		log:        log.With(zap.String("socket", addr)),
		ready:      make(chan *peer),
		closing:    make(chan struct{}),
		accepted:   make(chan struct{}),
		acceptDone: make(chan struct{}),
	}
	v.framer = ipc.NewLineFramer(v.send)
	go v.acceptLoop()
	return v, nil
}

func (v *ventilator) acceptLoop() {
	defer close(v.acceptDone)
	for {
		conn, err := v.ln.Accept()
		if err != nil {
			return
		}
		p := &peer{conn: conn}
		v.mu.Lock()
		v.peers = append(v.peers, p)
		n := len(v.peers)
		v.mu.Unlock()
		if n == v.expect {
			close(v.accepted)
		}
		v.readers.Add(1)
		go v.readReady(p)
	}
}

// readReady forwards READY requests until the peer hangs up. After
// closing starts, requests are drained and dropped.
func (v *ventilator) readReady(p *peer) {
	defer v.readers.Done()
	br := bufio.NewReader(p.conn)
	for {
		tag, _, err := ipc.ReadFrame(br)
		if err != nil {
			return
		}
		if tag != ipc.TagReady {
			continue
		}
		select {
		case v.ready <- p:
		case <-v.closing:
		}
	}
}

func (v *ventilator) send(line []byte) error {
	for {
		select {
		case p := <-v.ready:
			if err := ipc.WriteFrame(p.conn, ipc.TagData, line); err != nil {
				v.log.Debug("dropping lane", zap.Error(err))
				v.mu.Lock()
				p.dead = true
				v.mu.Unlock()
				p.conn.Close()
				continue
			}
			return nil
		case <-v.ctx.Done():
			return v.ctx.Err()
		}
	}
}

func (v *ventilator) Write(p []byte) (int, error) {
	return v.framer.Write(p)
}

// Close flushes pending data, waits for every expected lane to attach,
// sends EOF to each, and waits for the lanes to hang up.
func (v *ventilator) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	err := v.framer.Flush()
	close(v.closing)

	select {
	case <-v.accepted:
	case <-v.ctx.Done():
		if err == nil {
			err = v.ctx.Err()
		}
	}
	v.ln.Close()
	<-v.acceptDone

	v.mu.Lock()
	peers := append([]*peer(nil), v.peers...)
	v.mu.Unlock()
	for _, p := range peers {
		if p.dead {
			continue
		}
		if werr := ipc.WriteFrame(p.conn, ipc.TagEOF, nil); werr != nil {
			v.log.Debug("lane gone before EOF", zap.Error(werr))
		}
	}

	hungUp := make(chan struct{})
	go func() {
		v.readers.Wait()
		close(hungUp)
	}()
	select {
	case <-hungUp:
	case <-v.ctx.Done():
		if err == nil {
			err = v.ctx.Err()
		}
	}
	for _, p := range peers {
		p.conn.Close()
	}
	return err
}

// sink is a bound pull endpoint.
type sink struct {
	ctx  context.Context
	ln   net.Listener
	log  *zap.Logger
	msgs chan []byte
	buf  []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.Mutex
	conns []net.Conn
}

func listenSink(ctx context.Context, addr string, expect int, log *zap.Logger) (*sink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &sink{
		ctx:    ctx,
		ln:     ln,
		log:    log.With(zap.String("socket", addr)),
		msgs:   make(chan []byte),
		closed: make(chan struct{}),
	}
	go s.run(expect)
	return s, nil
}

func (s *sink) run(expect int) {
	var wg sync.WaitGroup
	for i := 0; i < expect; i++ {
		conn, err := s.ln.Accept()
		if err != nil {
			break
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.drain(conn)
		}()
	}
	s.ln.Close()
	wg.Wait()
	close(s.msgs)
}

func (s *sink) drain(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		tag, payload, err := ipc.ReadFrame(br)
		if err != nil {
			s.log.Debug("lane hung up without EOF", zap.Error(err))
			return
		}
		switch tag {
		case ipc.TagData:
			select {
			case s.msgs <- payload:
			case <-s.closed:
				return
			}
		case ipc.TagEOF:
			return
		}
	}
}

func (s *sink) Read(b []byte) (int, error) {
	for len(s.buf) == 0 {
		select {
		case m, ok := <-s.msgs:
			if !ok {
				return 0, io.EOF
			}
			s.buf = m
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	n := copy(b, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return nil
}
