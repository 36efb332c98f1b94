package hostnet

import (
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/foxxorcat/nbsock/common/bytespool"
	"github.com/foxxorcat/nbsock/netstack"
)

const (
	dgramQueueDepth  = 256
	maxDatagramSize  = 64 * 1024
	streamBufferSize = 256 * 1024
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

// dgramReader drains a UDP conn on a background goroutine into a bounded
// queue. The host conn blocks; the queue is what gives the stack its
// non-blocking receive. notify fires when the queue goes empty→non-empty
// and on a terminal error.
//
// 队列满时最旧的数据报被丢弃——UDP 本来就不保证送达，丢旧留新让
// 慢消费者看到的是最近的流量。
type dgramReader struct {
	conn   *net.UDPConn
	notify func()

	mu    sync.Mutex
	queue []datagram
	err   error
	done  chan struct{}
	once  sync.Once
}

func newDgramReader(conn *net.UDPConn, notify func()) *dgramReader {
	r := &dgramReader{
		conn:   conn,
		notify: notify,
		queue:  make([]datagram, 0, 32),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *dgramReader) run() {
	buf := bytespool.Alloc(maxDatagramSize)
	defer bytespool.Free(buf)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, from, err := r.conn.ReadFromUDPAddrPort(buf)

		r.mu.Lock()
		if err != nil {
			select {
			case <-r.done:
				r.mu.Unlock()
				return
			default:
			}
			r.err = err
			r.mu.Unlock()
			r.notify()
			return
		}
		wasEmpty := len(r.queue) == 0
		data := make([]byte, n)
		copy(data, buf[:n])
		if len(r.queue) >= dgramQueueDepth {
			r.queue = r.queue[1:]
			wasEmpty = false
		}
		r.queue = append(r.queue, datagram{from: from, data: data})
		r.mu.Unlock()

		if wasEmpty {
			r.notify()
		}
	}
}

// receive pops one datagram, or reports would-block when the queue is
// empty and no terminal error is pending.
func (r *dgramReader) receive(p []byte) (int, netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		if r.err != nil {
			return 0, netip.AddrPort{}, r.err
		}
		return 0, netip.AddrPort{}, netstack.ErrWouldBlock
	}
	dg := r.queue[0]
	r.queue = r.queue[1:]
	n := copy(p, dg.data)
	return n, dg.from, nil
}

func (r *dgramReader) close() {
	r.once.Do(func() { close(r.done) })
}

type outgoing struct {
	to   netip.AddrPort
	data []byte
}

// dgramWriter queues datagrams for a background flusher, giving the stack
// a non-blocking send with backpressure. notify fires when a full queue
// regains space.
type dgramWriter struct {
	conn   *net.UDPConn
	notify func()

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outgoing
	err    error
	closed bool
	once   sync.Once
}

func newDgramWriter(conn *net.UDPConn, notify func()) *dgramWriter {
	w := &dgramWriter{
		conn:   conn,
		notify: notify,
		queue:  make([]outgoing, 0, 32),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *dgramWriter) run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			return
		}

		batch := make([]outgoing, len(w.queue))
		copy(batch, w.queue)
		wasFull := len(w.queue) >= dgramQueueDepth
		w.queue = w.queue[:0]
		w.mu.Unlock()

		var writeErr error
		for _, dg := range batch {
			if dg.to.IsValid() {
				_, writeErr = w.conn.WriteToUDPAddrPort(dg.data, dg.to)
			} else {
				_, writeErr = w.conn.Write(dg.data)
			}
			if writeErr != nil {
				break
			}
		}

		if writeErr != nil || wasFull {
			// Callback before retaking the lock: a subscriber may call
			// straight back into send.
			w.mu.Lock()
			if writeErr != nil {
				w.err = writeErr
			}
			w.mu.Unlock()
			w.notify()
			w.mu.Lock()
			continue
		}
		w.mu.Lock()
	}
}

// send queues one datagram. An invalid `to` sends to the connected peer.
func (w *dgramWriter) send(to netip.AddrPort, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, netstack.ErrNoSocket
	}
	if len(w.queue) >= dgramQueueDepth {
		return 0, netstack.ErrWouldBlock
	}
	data := make([]byte, len(p))
	copy(data, p)
	w.queue = append(w.queue, outgoing{to: to, data: data})
	w.cond.Signal()
	return len(p), nil
}

func (w *dgramWriter) close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	})
}

// streamReader drains a TCP conn into a bounded byte buffer. When the
// buffer fills, the pump parks until the consumer frees space, which
// translates into TCP backpressure on the peer. notify fires on
// empty→non-empty, on EOF and on error.
type streamReader struct {
	conn   net.Conn
	notify func()

	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	eof  bool
	err  error
	done chan struct{}
	once sync.Once
}

func newStreamReader(conn net.Conn, notify func()) *streamReader {
	r := &streamReader{
		conn:   conn,
		notify: notify,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

func (r *streamReader) run() {
	buf := bytespool.Alloc(32 * 1024)
	defer bytespool.Free(buf)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := r.conn.Read(buf)

		r.mu.Lock()
		wasEmpty := len(r.buf) == 0
		if n > 0 {
			for len(r.buf)+n > streamBufferSize {
				select {
				case <-r.done:
					r.mu.Unlock()
					return
				default:
				}
				r.cond.Wait()
			}
			r.buf = append(r.buf, buf[:n]...)
		}
		if err != nil {
			select {
			case <-r.done:
				r.mu.Unlock()
				return
			default:
			}
			if err == io.EOF {
				r.eof = true
			} else {
				r.err = err
			}
			r.mu.Unlock()
			r.notify()
			return
		}
		r.mu.Unlock()

		if wasEmpty && n > 0 {
			r.notify()
		}
	}
}

// read copies buffered bytes out. An orderly peer shutdown surfaces as
// (0, nil) once the buffer drains.
func (r *streamReader) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, nil
		}
		return 0, netstack.ErrWouldBlock
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.cond.Signal()
	return n, nil
}

func (r *streamReader) close() {
	r.once.Do(func() {
		r.mu.Lock()
		close(r.done)
		r.cond.Broadcast()
		r.mu.Unlock()
	})
}

// streamWriter buffers outgoing bytes for a background flusher. write
// accepts as much as fits; a full buffer reports would-block and notify
// fires when the flusher frees space.
type streamWriter struct {
	conn   net.Conn
	notify func()

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error
	closed bool
	once   sync.Once
}

func newStreamWriter(conn net.Conn, notify func()) *streamWriter {
	w := &streamWriter{
		conn:   conn,
		notify: notify,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *streamWriter) run() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for len(w.buf) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			return
		}

		batch := make([]byte, len(w.buf))
		copy(batch, w.buf)
		wasFull := len(w.buf) >= streamBufferSize
		w.buf = w.buf[:0]
		w.mu.Unlock()

		_, writeErr := w.conn.Write(batch)

		if writeErr != nil || wasFull {
			w.mu.Lock()
			if writeErr != nil {
				w.err = writeErr
			}
			w.mu.Unlock()
			w.notify()
			w.mu.Lock()
			continue
		}
		w.mu.Lock()
	}
}

func (w *streamWriter) write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, netstack.ErrNoSocket
	}
	space := streamBufferSize - len(w.buf)
	if space <= 0 {
		return 0, netstack.ErrWouldBlock
	}
	n := len(p)
	if n > space {
		n = space
	}
	w.buf = append(w.buf, p[:n]...)
	w.cond.Signal()
	return n, nil
}

func (w *streamWriter) close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	})
}
