package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/morezero/api-gateway/internal/config"
	"github.com/morezero/api-gateway/internal/stubdomain"
	"github.com/morezero/api-gateway/pkg/commsutil"
	"github.com/morezero/api-gateway/pkg/health"
	"github.com/morezero/api-gateway/pkg/topology"
)

const e2eTestPrefix = "server:e2e_test"

func startE2EBroker(t *testing.T, port int) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", e2eTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", e2eTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func e2eConfig(brokerURL string) *config.Config {
	return &config.Config{
		COMMSURL:             brokerURL,
		COMMSName:            "api-gateway-e2e",
		RPCTimeout:           3 * time.Second,
		HealthCheckTimeout:   3 * time.Second,
		ShutdownTimeout:      time.Second,
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      time.Hour,
		CookieSecure:         false,
		CookiePath:           "/",
		CookieSameSite:       "lax",
		OAuthSuccessRedirect: "/",
		LogLevel:             "error",
	}
}

type e2eClient struct {
	t    *testing.T
	base string
	http *http.Client
}

func newE2EClient(t *testing.T, base string) *e2eClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("%s - cookiejar: %v", e2eTestPrefix, err)
	}
	return &e2eClient{t: t, base: base, http: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
}

func (c *e2eClient) do(method, path, body string) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatalf("%s - new request: %v", e2eTestPrefix, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s - %s %s: %v", e2eTestPrefix, method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestE2E_GatewayAgainstStubDomains(t *testing.T) {
	ns := startE2EBroker(t, 14280)
	ctx := context.Background()

	stubConn, err := commsutil.Connect(ns.ClientURL(), "domain-stub-e2e")
	if err != nil {
		t.Fatalf("%s - stub connect: %v", e2eTestPrefix, err)
	}
	defer stubConn.Close()

	topoCfg := topology.GetDefaultConfig()
	for _, d := range []string{"auth", "task", "file"} {
		ex := topoCfg.Exchanges[d]
		ex.Version = "^1.0.0"
		topoCfg.Exchanges[d] = ex
	}

	stubs := stubdomain.New(stubConn, topology.NewRegistry(topoCfg, ns.ClientURL(), 0), nil)
	if err := stubs.Start(); err != nil {
		t.Fatalf("%s - stub start: %v", e2eTestPrefix, err)
	}
	defer stubs.Stop()

	components, err := Build(ctx, e2eConfig(ns.ClientURL()), topoCfg)
	if err != nil {
		t.Fatalf("%s - Build: %v", e2eTestPrefix, err)
	}
	defer components.Close()

	srv := httptest.NewServer(components.Server.Router())
	defer srv.Close()

	user := newE2EClient(t, srv.URL)

	if status, body := user.do(http.MethodPost, "/auth/session", `{"email":"user@example.com","password":"nope"}`); status != http.StatusUnauthorized {
		t.Fatalf("%s - bad login = %d %s", e2eTestPrefix, status, body)
	}

	status, body := user.do(http.MethodPost, "/auth/session", `{"email":"user@example.com","password":"user"}`)
	if status != http.StatusOK || !strings.Contains(string(body), MsgLogin) {
		t.Fatalf("%s - login = %d %s", e2eTestPrefix, status, body)
	}

	status, body = user.do(http.MethodGet, "/auth/me", "")
	if status != http.StatusOK || !strings.Contains(string(body), `"u-user"`) {
		t.Fatalf("%s - me = %d %s", e2eTestPrefix, status, body)
	}

	status, body = user.do(http.MethodPost, "/tasks", `{"title":"ship it"}`)
	if status != http.StatusCreated {
		t.Fatalf("%s - create task = %d %s", e2eTestPrefix, status, body)
	}
	var task map[string]interface{}
	json.Unmarshal(body, &task)
	taskID, _ := task["id"].(string)
	if taskID == "" || task["ownerId"] != "u-user" {
		t.Fatalf("%s - created task = %s", e2eTestPrefix, body)
	}

	if status, body = user.do(http.MethodGet, "/tasks/"+taskID, ""); status != http.StatusOK {
		t.Errorf("%s - get task = %d %s", e2eTestPrefix, status, body)
	}
	if status, body = user.do(http.MethodGet, "/tasks/missing", ""); status != http.StatusNotFound {
		t.Errorf("%s - missing task = %d %s", e2eTestPrefix, status, body)
	}
	if status, _ = user.do(http.MethodGet, "/users", ""); status != http.StatusForbidden {
		t.Errorf("%s - user listing users = %d", e2eTestPrefix, status)
	}

	// Concurrent calls share one reply subject and must each get their own reply.
	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/tasks/"+taskID, nil)
			resp, err := user.http.Do(req)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			var got map[string]interface{}
			json.NewDecoder(resp.Body).Decode(&got)
			if resp.StatusCode != http.StatusOK || got["id"] != taskID {
				errs <- resp.Status
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("%s - concurrent get: %s", e2eTestPrefix, e)
	}

	status, body = user.do(http.MethodPost, "/webhooks/upload-complete", `{"fileId":"file-1","key":"docs/a.pdf","bucket":"uploads","size":99,"etag":"x"}`)
	if status != http.StatusOK {
		t.Fatalf("%s - webhook = %d %s", e2eTestPrefix, status, body)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, body = user.do(http.MethodGet, "/files/file-1", "")
		if status == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if status != http.StatusOK || !strings.Contains(string(body), `"uploaded"`) {
		t.Errorf("%s - forwarded file = %d %s", e2eTestPrefix, status, body)
	}

	admin := newE2EClient(t, srv.URL)
	if status, body = admin.do(http.MethodPost, "/auth/session", `{"email":"admin@example.com","password":"admin"}`); status != http.StatusOK {
		t.Fatalf("%s - admin login = %d %s", e2eTestPrefix, status, body)
	}
	status, body = admin.do(http.MethodGet, "/health/domains", "")
	var domains health.DomainsOutput
	json.Unmarshal(body, &domains)
	if status != http.StatusOK || domains.Status != health.StatusHealthy {
		t.Errorf("%s - domain health = %d %s", e2eTestPrefix, status, body)
	}

	if status, body = user.do(http.MethodDelete, "/auth/sessions", ""); status != http.StatusOK {
		t.Fatalf("%s - logout all = %d %s", e2eTestPrefix, status, body)
	}
	if status, _ = user.do(http.MethodGet, "/auth/me", ""); status != http.StatusUnauthorized {
		t.Errorf("%s - me after logout = %d", e2eTestPrefix, status)
	}
}
