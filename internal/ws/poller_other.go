//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the portable stand-in for epoll. Each socket is offered to the
// event loop once, then again after its read completes; the worker blocks
// on the socket's read deadline in between.
type poller struct {
	mu    sync.Mutex
	arms  map[net.Conn]chan struct{}
	ready chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		arms:  make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(conn net.Conn) error {
	arm := make(chan struct{}, 1)
	p.mu.Lock()
	p.arms[conn] = arm
	p.mu.Unlock()

	go func() {
		for {
			select {
			case p.ready <- conn:
			case <-p.done:
				return
			}
			select {
			case _, ok := <-arm:
				if !ok {
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

func (p *poller) remove(conn net.Conn) error {
	p.mu.Lock()
	if arm, ok := p.arms[conn]; ok {
		delete(p.arms, conn)
		close(arm)
	}
	p.mu.Unlock()
	return nil
}

func (p *poller) rearm(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if arm, ok := p.arms[conn]; ok {
		select {
		case arm <- struct{}{}:
		default:
		}
	}
}

func (p *poller) wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (p *poller) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func isInterrupted(error) bool { return false }

// socketFD has no meaning without epoll; the manager keys by socket ID.
func socketFD(net.Conn) int { return -1 }
