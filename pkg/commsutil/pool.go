package commsutil

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
)

const poolLogPrefix = "commsutil:pool"

// ConnPool caches one broker connection per URL. Every exchange without a broker override
// shares the default connection; exchanges pointing at another broker get their own.
type ConnPool struct {
	mu    sync.RWMutex
	conns map[string]*pooledConn
	name  string
	opts  []comms.Option
	dial  func(url, name string, opts ...comms.Option) (*comms.Conn, error)
}

type pooledConn struct {
	nc          *comms.Conn
	url         string
	connectedAt time.Time
}

// NewConnPool creates an empty pool. name is used as the connection name prefix.
func NewConnPool(name string, opts ...comms.Option) *ConnPool {
	return &ConnPool{
		conns: make(map[string]*pooledConn),
		name:  name,
		opts:  opts,
		dial:  Connect,
	}
}

// Add adopts an already established connection for url, e.g. the primary connection made
// at startup.
func (p *ConnPool) Add(url string, nc *comms.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[url] = &pooledConn{nc: nc, url: url, connectedAt: time.Now()}
}

// Get returns the connection for url, dialing it on first use. A closed connection is
// replaced; a reconnecting one is returned as is since the client library recovers it.
func (p *ConnPool) Get(url string) (*comms.Conn, error) {
	p.mu.RLock()
	if pc, ok := p.conns[url]; ok && !pc.nc.IsClosed() {
		p.mu.RUnlock()
		return pc.nc, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if pc, ok := p.conns[url]; ok && !pc.nc.IsClosed() {
		return pc.nc, nil
	}
	delete(p.conns, url)

	name := p.name
	if len(p.conns) > 0 {
		name = fmt.Sprintf("%s-%d", p.name, len(p.conns))
	}
	nc, err := p.dial(url, name, p.opts...)
	if err != nil {
		return nil, err
	}
	p.conns[url] = &pooledConn{nc: nc, url: url, connectedAt: time.Now()}
	return nc, nil
}

// Status reports connectivity per broker URL.
func (p *ConnPool) Status() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.conns))
	for url, pc := range p.conns {
		out[url] = pc.nc.IsConnected()
	}
	return out
}

// URLs returns the broker URLs with a cached connection, sorted.
func (p *ConnPool) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.conns))
	for url := range p.conns {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// CloseAll drains (or closes) every pooled connection and empties the pool.
func (p *ConnPool) CloseAll(drain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for url, pc := range p.conns {
		slog.Info(fmt.Sprintf("%s - Closing connection url=%s", poolLogPrefix, url))
		if drain {
			if err := pc.nc.Drain(); err == nil {
				continue
			}
		}
		pc.nc.Close()
	}
	p.conns = make(map[string]*pooledConn)
}
