package disruption

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Link is a TCP proxy from a local port to a target address. While
// disrupted it drops live connections and refuses new ones.
type Link struct {
	Port   int
	Target string

	ln  net.Listener
	log zerolog.Logger

	mu        sync.Mutex
	disrupted bool
	closed    bool
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewLink starts proxying port to target.
func NewLink(port int, target string, log zerolog.Logger) (*Link, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen for link to %s on %d: %w", target, port, err)
	}
	l := &Link{
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Target: target,
		ln:     ln,
		log:    log.With().Str("target", target).Int("port", port).Logger(),
		conns:  map[net.Conn]struct{}{},
	}
	l.wg.Add(1)
	go l.accept()
	return l, nil
}

func (l *Link) accept() {
	defer l.wg.Done()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Debug().Err(err).Msg("link accept failed")
			}
			return
		}
		l.mu.Lock()
		if l.disrupted || l.closed {
			l.mu.Unlock()
			_ = c.Close()
			continue
		}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.pipe(c)
	}
}

func (l *Link) pipe(client net.Conn) {
	defer l.wg.Done()

	upstream, err := net.Dial("tcp", l.Target)
	if err != nil {
		l.log.Debug().Err(err).Msg("link dial failed")
		_ = client.Close()
		return
	}
	if !l.track(client, upstream) {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	defer l.untrack(client, upstream)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

func (l *Link) track(cs ...net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disrupted || l.closed {
		return false
	}
	for _, c := range cs {
		l.conns[c] = struct{}{}
	}
	return true
}

func (l *Link) untrack(cs ...net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range cs {
		delete(l.conns, c)
	}
}

// Disrupt severs the link.
func (l *Link) Disrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disrupted = true
	l.dropLocked()
	l.log.Info().Msg("link disrupted")
}

// Undisrupt lets new connections through again.
func (l *Link) Undisrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disrupted = false
	l.log.Info().Msg("link restored")
}

func (l *Link) Disrupted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disrupted
}

func (l *Link) dropLocked() {
	for c := range l.conns {
		_ = c.Close()
	}
}

// Close stops the listener and every proxied connection.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.dropLocked()
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	return err
}
