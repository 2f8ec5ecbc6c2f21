package devhost

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

type routerFixture struct {
	router *Router
	ca     *CertificateAuthority
	roots  *x509.CertPool
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ca := newTestCA(t)
	root, err := ca.Root()
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(root.Cert)

	r, err := NewRouter(NewRouteStore(t.TempDir()))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	r.ListenHost = "127.0.0.1"
	r.DrainTimeout = time.Second
	r.Logger = discardLogger()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.StopAll(ctx)
	})

	return &routerFixture{router: r, ca: ca, roots: roots}
}

// link registers and starts domain on port with a freshly issued certificate.
func (f *routerFixture) link(t *testing.T, domain, target string, port int) {
	t.Helper()
	info, err := f.ca.Issue(domain)
	if err != nil {
		t.Fatalf("Issue(%s) failed: %v", domain, err)
	}
	if _, err := f.router.Register(Route{Domain: domain, Target: target, Port: port}); err != nil {
		t.Fatalf("Register(%s) failed: %v", domain, err)
	}
	if err := f.router.Start(domain, info.CertPath, info.KeyPath); err != nil {
		t.Fatalf("Start(%s) failed: %v", domain, err)
	}
}

func (f *routerFixture) tlsConfig() *tls.Config {
	return &tls.Config{RootCAs: f.roots}
}

// client returns an HTTPS client that dials 127.0.0.1:port for every host,
// so requests carry the real domain as SNI and Host.
func (f *routerFixture) client(port int) *http.Client {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: f.tlsConfig(),
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
			DisableKeepAlives: true,
		},
	}
}

func domainURL(domain string, port int, path string) string {
	return "https://" + net.JoinHostPort(domain, strconv.Itoa(port)) + path
}

// echoBackend reports what it received in response headers.
func echoBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", name)
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-Proto", r.Header.Get("X-Forwarded-Proto"))
		w.Header().Set("X-Seen-Forwarded-Host", r.Header.Get("X-Forwarded-Host"))
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-Proxy", r.Header.Get(ProxyHeader))
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(RequestIDHeader))
		_, _ = io.WriteString(w, name+" "+r.URL.RequestURI())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestNewRouter(t *testing.T) {
	r, err := NewRouter(nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	if r.Transport == nil {
		t.Error("Transport is nil")
	}
	if r.Logger == nil {
		t.Error("Logger is nil")
	}
	if r.SNI() == nil || r.SNI().Len() != 0 {
		t.Error("expected empty SNI table")
	}
	if len(r.Routes()) != 0 {
		t.Error("expected no routes")
	}
}

func TestRouter_RegisterValidation(t *testing.T) {
	r, _ := NewRouter(nil)
	r.Logger = discardLogger()

	tests := []struct {
		name  string
		route Route
	}{
		{"bad domain", Route{Domain: "bad_domain", Target: "localhost:3000"}},
		{"empty target", Route{Domain: "app.test", Target: ""}},
		{"bad scheme", Route{Domain: "app.test", Target: "ftp://localhost"}},
		{"bad port", Route{Domain: "app.test", Target: "localhost:3000", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Register(tt.route); !errors.Is(err, ErrValidation) {
				t.Errorf("Register(%+v) = %v, want ErrValidation", tt.route, err)
			}
		})
	}
	if len(r.Routes()) != 0 {
		t.Error("invalid routes were stored")
	}
}

func TestRouter_RegisterDefaults(t *testing.T) {
	r, _ := NewRouter(nil)
	r.Logger = discardLogger()

	rt, err := r.Register(Route{Domain: "App.Test", Target: "localhost:3000"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rt.Domain != "app.test" {
		t.Errorf("domain = %q, want app.test", rt.Domain)
	}
	if rt.Target != "http://localhost:3000" {
		t.Errorf("target = %q, want http://localhost:3000", rt.Target)
	}
	if rt.Port != DefaultProxyPort {
		t.Errorf("port = %d, want %d", rt.Port, DefaultProxyPort)
	}
	if rt.IsRunning {
		t.Error("registered route should be stopped")
	}

	// Re-registering updates in place.
	rt, err = r.Register(Route{Domain: "app.test", Target: "localhost:4000", Port: 8443})
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if rt.Target != "http://localhost:4000" || rt.Port != 8443 {
		t.Errorf("route = %+v, want updated target and port", rt)
	}
	if n := len(r.Routes()); n != 1 {
		t.Errorf("got %d routes, want 1", n)
	}
}

func TestRouter_Persistence(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)

	f.link(t, "app.test", backend.URL, port)
	if _, err := f.router.Register(Route{Domain: "idle.test", Target: "localhost:9", Port: port}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	stored, err := f.router.Store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d routes, want 2", len(stored))
	}

	reloaded, err := NewRouter(f.router.Store)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	rt, ok := reloaded.Route("app.test")
	if !ok {
		t.Fatal("app.test not reloaded")
	}
	if rt.IsRunning {
		t.Error("reloaded route must be stopped")
	}
	if rt.CertPath == "" || rt.KeyPath == "" {
		t.Error("certificate paths were not persisted")
	}
	if len(reloaded.Ports()) != 0 {
		t.Error("reloaded router bound listeners")
	}
}

func TestRouter_StartErrors(t *testing.T) {
	f := newRouterFixture(t)

	if err := f.router.Start("missing.test", "a.crt", "a.key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Start unknown = %v, want ErrNotFound", err)
	}

	if _, err := f.router.Register(Route{Domain: "app.test", Target: "localhost:3000", Port: freePort(t)}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := f.router.Start("app.test", "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Start without paths = %v, want ErrValidation", err)
	}
	err := f.router.Start("app.test", "/nonexistent.crt", "/nonexistent.key")
	if !errors.Is(err, ErrIO) {
		t.Errorf("Start with missing files = %v, want ErrIO", err)
	}
	var e *Error
	if errors.As(err, &e) && e.Domain != "app.test" {
		t.Errorf("error domain = %q, want app.test", e.Domain)
	}
	if rt, _ := f.router.Route("app.test"); rt.IsRunning {
		t.Error("route running after failed start")
	}
}

func TestRouter_ProxyHeaders(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	resp, body := get(t, f.client(port), domainURL("app.test", port, "/path?q=1"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body != "one /path?q=1" {
		t.Errorf("body = %q", body)
	}

	backendHost := strings.TrimPrefix(backend.URL, "http://")
	checks := map[string]string{
		"X-Seen-Host":           backendHost,
		"X-Seen-Proto":          "https",
		"X-Seen-Forwarded-Host": net.JoinHostPort("app.test", strconv.Itoa(port)),
		"X-Seen-Proxy":          ProxyHeaderName,
		ProxyHeader:             ProxyHeaderName,
	}
	for header, want := range checks {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if got := resp.Header.Get("X-Seen-Forwarded-For"); got != "127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want 127.0.0.1", got)
	}
	if resp.Header.Get("X-Seen-Request-Id") == "" {
		t.Error("backend did not receive a request id")
	}
}

func TestRouter_ForwardedForAppends(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	req, _ := http.NewRequest(http.MethodGet, domainURL("app.test", port, "/"), nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	req.Header.Set(RequestIDHeader, "given-id")

	resp, err := f.client(port).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if got := resp.Header.Get("X-Seen-Forwarded-For"); got != "10.1.2.3, 127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want appended client", got)
	}
	if got := resp.Header.Get("X-Seen-Request-Id"); got != "given-id" {
		t.Errorf("request id = %q, want given-id", got)
	}
}

func TestRouter_SharedListener(t *testing.T) {
	f := newRouterFixture(t)
	one := echoBackend(t, "one")
	two := echoBackend(t, "two")
	port := freePort(t)

	f.link(t, "one.test", one.URL, port)
	f.link(t, "two.test", two.URL, port)

	if ports := f.router.Ports(); len(ports) != 1 || ports[0] != port {
		t.Fatalf("Ports = %v, want [%d]", ports, port)
	}
	if got := f.router.SNI().Domains(); len(got) != 2 {
		t.Errorf("SNI domains = %v", got)
	}

	c := f.client(port)
	for domain, want := range map[string]string{"one.test": "one", "two.test": "two"} {
		resp, _ := get(t, c, domainURL(domain, port, "/"))
		if got := resp.Header.Get("X-Backend"); got != want {
			t.Errorf("%s reached backend %q, want %q", domain, got, want)
		}
	}
}

func TestRouter_Stop(t *testing.T) {
	f := newRouterFixture(t)
	one := echoBackend(t, "one")
	two := echoBackend(t, "two")
	port := freePort(t)

	f.link(t, "one.test", one.URL, port)
	f.link(t, "two.test", two.URL, port)

	ok, err := f.router.Stop("one.test")
	if err != nil || !ok {
		t.Fatalf("Stop = %v, %v", ok, err)
	}
	if ok, _ := f.router.Stop("one.test"); ok {
		t.Error("second Stop reported a change")
	}

	c := f.client(port)

	// The stopped name has no certificate any more.
	if resp, err := c.Get(domainURL("one.test", port, "/")); err == nil {
		_ = resp.Body.Close()
		t.Error("expected handshake failure for stopped domain")
	}

	// The other route keeps its listener.
	resp, _ := get(t, c, domainURL("two.test", port, "/"))
	if resp.Header.Get("X-Backend") != "two" {
		t.Error("surviving route not served")
	}

	// A valid handshake naming a host with no running route gets a 404.
	req, _ := http.NewRequest(http.MethodGet, domainURL("two.test", port, "/"), nil)
	req.Host = "one.test"
	resp, err = c.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	// Stopping the last route frees the port at once.
	if _, err := f.router.Stop("two.test"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(f.router.Ports()) != 0 {
		t.Errorf("Ports = %v, want none", f.router.Ports())
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	_ = ln.Close()
}

func TestRouter_BadGateway(t *testing.T) {
	f := newRouterFixture(t)
	f.router.Metrics = NewMetrics()
	port := freePort(t)
	dead := freePort(t)

	f.link(t, "dead.test", "http://127.0.0.1:"+strconv.Itoa(dead), port)

	resp, _ := get(t, f.client(port), domainURL("dead.test", port, "/"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if resp.Header.Get(ProxyHeader) != ProxyHeaderName {
		t.Errorf("%s missing on error response", ProxyHeader)
	}
}

func TestRouter_BindFailure(t *testing.T) {
	f := newRouterFixture(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = busy.Close() }()
	port := busy.Addr().(*net.TCPAddr).Port

	info, err := f.ca.Issue("busy.test")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := f.router.Register(Route{Domain: "busy.test", Target: "localhost:3000", Port: port}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err = f.router.Start("busy.test", info.CertPath, info.KeyPath)
	if !errors.Is(err, ErrListen) {
		t.Fatalf("Start = %v, want ErrListen", err)
	}
	if rt, _ := f.router.Route("busy.test"); rt.IsRunning {
		t.Error("route marked running after bind failure")
	}
	if _, ok := f.router.SNI().Lookup("busy.test"); ok {
		t.Error("certificate installed after bind failure")
	}
}

func TestRouter_StartRunningReloads(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	before, _ := f.router.SNI().Lookup("app.test")

	info, err := f.ca.Issue("app.test")
	if err != nil {
		t.Fatalf("re-issue failed: %v", err)
	}
	if err := f.router.Start("app.test", info.CertPath, info.KeyPath); err != nil {
		t.Fatalf("Start on running route failed: %v", err)
	}

	after, _ := f.router.SNI().Lookup("app.test")
	if bytes.Equal(before.Certificate[0], after.Certificate[0]) {
		t.Error("certificate not swapped")
	}
	if ports := f.router.Ports(); len(ports) != 1 {
		t.Errorf("Ports = %v, want one listener", ports)
	}
}

func TestRouter_ReloadCertificates(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	served := func() []byte {
		conn, err := tls.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), &tls.Config{
			RootCAs:    f.roots,
			ServerName: "app.test",
		})
		if err != nil {
			t.Fatalf("tls dial: %v", err)
		}
		defer func() { _ = conn.Close() }()
		return conn.ConnectionState().PeerCertificates[0].Raw
	}

	first := served()
	if _, err := f.ca.Issue("app.test"); err != nil {
		t.Fatalf("re-issue failed: %v", err)
	}
	if !bytes.Equal(first, served()) {
		t.Fatal("certificate changed before reload")
	}

	n, err := f.router.ReloadCertificates()
	if err != nil || n != 1 {
		t.Fatalf("ReloadCertificates = %d, %v", n, err)
	}
	if bytes.Equal(first, served()) {
		t.Error("certificate not reloaded")
	}
}

func TestRouter_Update(t *testing.T) {
	f := newRouterFixture(t)
	one := echoBackend(t, "one")
	two := echoBackend(t, "two")
	port := freePort(t)
	f.link(t, "app.test", one.URL, port)

	target := two.URL
	rt, err := f.router.Update("app.test", RouteUpdate{Target: &target})
	if err != nil {
		t.Fatalf("Update target failed: %v", err)
	}
	if !rt.IsRunning {
		t.Error("running route stopped by update")
	}
	resp, _ := get(t, f.client(port), domainURL("app.test", port, "/"))
	if resp.Header.Get("X-Backend") != "two" {
		t.Errorf("backend = %q after target update, want two", resp.Header.Get("X-Backend"))
	}

	newPort := freePort(t)
	rt, err = f.router.Update("app.test", RouteUpdate{Port: &newPort})
	if err != nil {
		t.Fatalf("Update port failed: %v", err)
	}
	if rt.Port != newPort || !rt.IsRunning {
		t.Errorf("route = %+v, want running on %d", rt, newPort)
	}
	if ports := f.router.Ports(); len(ports) != 1 || ports[0] != newPort {
		t.Errorf("Ports = %v, want [%d]", ports, newPort)
	}
	resp, _ = get(t, f.client(newPort), domainURL("app.test", newPort, "/"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status on new port = %d", resp.StatusCode)
	}

	bad := "ftp://nowhere"
	if _, err := f.router.Update("app.test", RouteUpdate{Target: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("Update bad target = %v, want ErrValidation", err)
	}
	if _, err := f.router.Update("missing.test", RouteUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestRouter_Unregister(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	ok, err := f.router.Unregister("app.test")
	if err != nil || !ok {
		t.Fatalf("Unregister = %v, %v", ok, err)
	}
	if _, found := f.router.Route("app.test"); found {
		t.Error("route still registered")
	}
	if len(f.router.Ports()) != 0 {
		t.Error("listener left open")
	}
	if ok, _ := f.router.Unregister("app.test"); ok {
		t.Error("second Unregister reported a change")
	}

	stored, _ := f.router.Store.Load()
	if len(stored) != 0 {
		t.Errorf("stored routes = %d, want 0", len(stored))
	}
}

func TestRouter_StopAll(t *testing.T) {
	f := newRouterFixture(t)
	backend := echoBackend(t, "one")
	f.link(t, "a.test", backend.URL, freePort(t))
	f.link(t, "b.test", backend.URL, freePort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.router.StopAll(ctx); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}

	for _, rt := range f.router.Routes() {
		if rt.IsRunning {
			t.Errorf("%s still running", rt.Domain)
		}
	}
	if len(f.router.Ports()) != 0 {
		t.Errorf("Ports = %v, want none", f.router.Ports())
	}
	if f.router.SNI().Len() != 0 {
		t.Error("SNI table not cleared")
	}
}

func TestRouter_StopAllDrainTimeout(t *testing.T) {
	f := newRouterFixture(t)
	f.router.DrainTimeout = 10 * time.Second

	release := make(chan struct{})
	started := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	port := freePort(t)
	f.link(t, "slow.test", slow.URL, port)

	go func() {
		resp, err := f.client(port).Get(domainURL("slow.test", port, "/"))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := f.router.StopAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StopAll = %v, want deadline exceeded", err)
	}
}

func TestRouter_AccessLog(t *testing.T) {
	f := newRouterFixture(t)
	var buf syncBuffer
	f.router.AccessLog = NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	f.router.Metrics = NewMetrics()

	backend := echoBackend(t, "one")
	port := freePort(t)
	f.link(t, "app.test", backend.URL, port)

	req, _ := http.NewRequest(http.MethodGet, domainURL("app.test", port, "/logged"), nil)
	req.Header.Set(RequestIDHeader, "log-id")
	resp, err := f.client(port).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// The entry is written after the handler returns, which can be after
	// the client has read the whole body.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), `"msg":"access"`) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for access log entry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &m); err != nil {
		t.Fatalf("parse access log %q: %v", buf.String(), err)
	}
	if m["request_id"] != "log-id" {
		t.Errorf("request_id = %v, want log-id", m["request_id"])
	}
	if m["host"] != "app.test" {
		t.Errorf("host = %v, want app.test", m["host"])
	}
	if m["path"] != "/logged" {
		t.Errorf("path = %v, want /logged", m["path"])
	}
	if m["status"] != float64(200) {
		t.Errorf("status = %v, want 200", m["status"])
	}
	if m["target"] != backend.URL {
		t.Errorf("target = %v, want %s", m["target"], backend.URL)
	}
}

func TestRouter_WebSocket(t *testing.T) {
	f := newRouterFixture(t)

	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	port := freePort(t)
	f.link(t, "ws.test", backend.URL, port)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer := websocket.Dialer{
		TLSClientConfig: f.tlsConfig(),
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial("wss://"+net.JoinHostPort("ws.test", strconv.Itoa(port))+"/socket", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}

	for _, msg := range []string{"hello", "world"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "echo: "+msg {
			t.Errorf("got %q, want %q", got, "echo: "+msg)
		}
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}

	if sr.Status() != http.StatusOK {
		t.Errorf("default status = %d, want 200", sr.Status())
	}
	sr.WriteHeader(http.StatusEarlyHints)
	sr.WriteHeader(http.StatusCreated)
	_, _ = sr.Write([]byte("hello"))

	if sr.Status() != http.StatusCreated {
		t.Errorf("status = %d, want 201 (1xx ignored)", sr.Status())
	}
	if sr.bytes != 5 {
		t.Errorf("bytes = %d, want 5", sr.bytes)
	}
	sr.Flush()
	if !rec.Flushed {
		t.Error("flush not forwarded")
	}
	if _, _, err := sr.Hijack(); err == nil {
		t.Error("expected hijack error with a recorder")
	}
}

func BenchmarkRouter_ServeRoute(b *testing.B) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	r, _ := NewRouter(nil)
	r.Logger = discardLogger()
	if _, err := r.Register(Route{Domain: "bench.test", Target: backend.URL, Port: 8443}); err != nil {
		b.Fatalf("Register failed: %v", err)
	}
	// Mark running without binding so serveRoute can be driven directly.
	r.routes["bench.test"].IsRunning = true

	b.ReportAllocs()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodGet, "https://bench.test/", nil)
		rec := httptest.NewRecorder()
		r.serveRoute(rec, req, 8443)
	}
}
