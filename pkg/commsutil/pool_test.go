package commsutil

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const poolTestPrefix = "commsutil:pool_test"

func startPoolTestServer(t *testing.T, port int) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", poolTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", poolTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestConnPool_ReusesConnectionPerURL(t *testing.T) {
	ns := startPoolTestServer(t, 14250)
	pool := NewConnPool("pool-test")
	defer pool.CloseAll(false)

	first, err := pool.Get(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - Get failed: %v", poolTestPrefix, err)
	}
	second, err := pool.Get(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - second Get failed: %v", poolTestPrefix, err)
	}
	if first != second {
		t.Errorf("%s - expected the same connection for the same URL", poolTestPrefix)
	}
	if !pool.Status()[ns.ClientURL()] {
		t.Errorf("%s - expected connection to report connected", poolTestPrefix)
	}
}

func TestConnPool_ReplacesClosedConnection(t *testing.T) {
	ns := startPoolTestServer(t, 14251)
	pool := NewConnPool("pool-test")
	defer pool.CloseAll(false)

	first, err := pool.Get(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - Get failed: %v", poolTestPrefix, err)
	}
	first.Close()

	second, err := pool.Get(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - Get after close failed: %v", poolTestPrefix, err)
	}
	if second == first {
		t.Errorf("%s - closed connection should have been replaced", poolTestPrefix)
	}
}

func TestConnPool_AddAdoptsConnection(t *testing.T) {
	ns := startPoolTestServer(t, 14252)
	nc, err := Connect(ns.ClientURL(), "adopted")
	if err != nil {
		t.Fatalf("%s - Connect failed: %v", poolTestPrefix, err)
	}

	pool := NewConnPool("pool-test")
	pool.Add(ns.ClientURL(), nc)
	defer pool.CloseAll(false)

	got, err := pool.Get(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - Get failed: %v", poolTestPrefix, err)
	}
	if got != nc {
		t.Errorf("%s - expected adopted connection", poolTestPrefix)
	}
	if urls := pool.URLs(); len(urls) != 1 || urls[0] != ns.ClientURL() {
		t.Errorf("%s - URLs = %v", poolTestPrefix, urls)
	}
}

func TestConnPool_DialError(t *testing.T) {
	pool := NewConnPool("pool-test")
	if _, err := pool.Get("invalid://not-a-nats-server"); err == nil {
		t.Fatalf("%s - expected dial error", poolTestPrefix)
	}
	if len(pool.URLs()) != 0 {
		t.Errorf("%s - failed dial should not be cached", poolTestPrefix)
	}
}
