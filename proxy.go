package devhost

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Headers set by the router.
const (
	ProxyHeader     = "X-Devhost-Proxy"
	ProxyHeaderName = "devhost"
	RequestIDHeader = "X-Request-Id"
)

// Router terminates TLS for registered domains and reverse-proxies each
// request to the domain's backend. Routes on the same port share one
// listener; the certificate is chosen per handshake from SNI.
type Router struct {
	// ListenHost is the address listeners bind to. Empty binds all
	// interfaces.
	ListenHost string

	// ReadHeaderTimeout and IdleTimeout are applied to every listener.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// DrainTimeout bounds how long a torn-down listener waits for
	// in-flight requests before its connections are closed.
	DrainTimeout time.Duration

	// Transport reaches the backends. Defaults to a BackendTransport.
	Transport http.RoundTripper

	// Store persists the route table (optional).
	Store *RouteStore

	// Logger for router events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one entry per proxied request (optional).
	AccessLog *AccessLogger

	mu        sync.RWMutex
	routes    map[string]*routeState
	listeners map[int]*portListener
	draining  map[*http.Server]struct{}
	drains    sync.WaitGroup
	sni       *SNITable
}

type routeState struct {
	Route
	proxy *httputil.ReverseProxy
}

type portListener struct {
	port    int
	ln      net.Listener
	srv     *http.Server
	closing atomic.Bool
}

// NewRouter creates a router and loads the route table from store. Loaded
// routes are all stopped. A nil store keeps routes in memory only.
func NewRouter(store *RouteStore) (*Router, error) {
	r := &Router{
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		DrainTimeout:      30 * time.Second,
		Transport:         NewBackendTransport(),
		Store:             store,
		Logger:            slog.Default(),
		routes:            make(map[string]*routeState),
		listeners:         make(map[int]*portListener),
		draining:          make(map[*http.Server]struct{}),
		sni:               NewSNITable(),
	}
	r.sni.OnMiss = func(name string) {
		r.Logger.Debug("no certificate for server name", "server_name", name)
		if r.Metrics != nil {
			r.Metrics.RecordSNIMiss()
		}
	}

	if store == nil {
		return r, nil
	}
	routes, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, rt := range routes {
		st, err := r.newRouteState(rt)
		if err != nil {
			r.Logger.Warn("skip stored route", "domain", rt.Domain, "error", err)
			continue
		}
		r.routes[st.Domain] = st
	}
	return r, nil
}

// SNI returns the router's certificate table.
func (r *Router) SNI() *SNITable {
	return r.sni
}

// Register adds a route, stopped, and persists the table. Registering an
// existing domain updates its target and port.
func (r *Router) Register(route Route) (Route, error) {
	domain := normalizeDomain(route.Domain)
	if !ValidDomain(domain) {
		return Route{}, invalid("register route", domain, "invalid domain")
	}
	target, err := NormalizeTarget(route.Target)
	if err != nil {
		return Route{}, newError(KindValidation, "register route", domain, err)
	}
	port := route.Port
	if port == 0 {
		port = DefaultProxyPort
	}
	if !validPort(port) {
		return Route{}, invalid("register route", domain, "invalid port %d", port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.routes[domain]; ok {
		if route.CertPath != "" && route.KeyPath != "" {
			st.CertPath, st.KeyPath = route.CertPath, route.KeyPath
		}
		return r.updateLocked(domain, RouteUpdate{Target: &target, Port: &port})
	}

	st, err := r.newRouteState(Route{
		Domain:   domain,
		Target:   target,
		Port:     port,
		CertPath: route.CertPath,
		KeyPath:  route.KeyPath,
	})
	if err != nil {
		return Route{}, err
	}
	r.routes[domain] = st
	r.Logger.Info("route registered", "domain", domain, "target", target, "port", port)

	return st.Route, r.persistLocked()
}

// Unregister stops the route if it is running and removes it. It returns
// false if the domain was not registered.
func (r *Router) Unregister(domain string) (bool, error) {
	domain = normalizeDomain(domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.routes[domain]
	if !ok {
		return false, nil
	}
	if st.IsRunning {
		r.stopLocked(st)
	}
	delete(r.routes, domain)
	r.updateGaugesLocked()
	r.Logger.Info("route removed", "domain", domain)

	return true, r.persistLocked()
}

// Start installs the certificate for domain and begins serving it. Empty
// paths fall back to the ones stored on the route. Starting a running
// route reloads its certificate.
func (r *Router) Start(domain, certPath, keyPath string) error {
	domain = normalizeDomain(domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.routes[domain]
	if !ok {
		return notFound("start route", domain)
	}
	if err := r.startLocked(st, certPath, keyPath); err != nil {
		return err
	}
	return r.persistLocked()
}

func (r *Router) startLocked(st *routeState, certPath, keyPath string) error {
	if certPath == "" {
		certPath = st.CertPath
	}
	if keyPath == "" {
		keyPath = st.KeyPath
	}
	if certPath == "" || keyPath == "" {
		return invalid("start route", st.Domain, "certificate and key paths are required")
	}

	cert, err := LoadKeyPair(certPath, keyPath)
	if err != nil {
		return withDomain(err, "start route", st.Domain)
	}

	if !st.IsRunning {
		if _, err := r.listenLocked(st.Port); err != nil {
			return withDomain(err, "start route", st.Domain)
		}
	}

	r.sni.Set(st.Domain, cert)
	st.CertPath, st.KeyPath = certPath, keyPath
	wasRunning := st.IsRunning
	st.IsRunning = true
	r.updateGaugesLocked()

	if wasRunning {
		r.Logger.Info("route certificate reloaded", "domain", st.Domain)
	} else {
		r.Logger.Info("route started", "domain", st.Domain, "target", st.Target, "port", st.Port)
	}
	return nil
}

// Stop stops serving domain. The port's listener is torn down once no
// running route uses it. It returns false if the route is unknown or
// already stopped.
func (r *Router) Stop(domain string) (bool, error) {
	domain = normalizeDomain(domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.routes[domain]
	if !ok || !st.IsRunning {
		return false, nil
	}
	r.stopLocked(st)
	return true, r.persistLocked()
}

func (r *Router) stopLocked(st *routeState) {
	r.sni.Delete(st.Domain)
	st.IsRunning = false
	r.releaseLocked(st.Port)
	r.updateGaugesLocked()
	r.Logger.Info("route stopped", "domain", st.Domain)
}

// StopAll stops every route and tears down every listener, then waits for
// in-flight requests to drain. When ctx ends first, remaining connections
// are closed and ctx.Err is returned.
func (r *Router) StopAll(ctx context.Context) error {
	r.mu.Lock()
	for _, st := range r.routes {
		if st.IsRunning {
			r.sni.Delete(st.Domain)
			st.IsRunning = false
		}
	}
	for port := range r.listeners {
		r.releaseLocked(port)
	}
	r.updateGaugesLocked()
	persistErr := r.persistLocked()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.drains.Wait()
		close(done)
	}()

	select {
	case <-done:
		return persistErr
	case <-ctx.Done():
		r.mu.Lock()
		for srv := range r.draining {
			_ = srv.Close()
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Update changes a route's target or port. A running route whose target or
// port changed is restarted with its known certificate.
func (r *Router) Update(domain string, u RouteUpdate) (Route, error) {
	domain = normalizeDomain(domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.updateLocked(domain, u)
}

func (r *Router) updateLocked(domain string, u RouteUpdate) (Route, error) {
	st, ok := r.routes[domain]
	if !ok {
		return Route{}, notFound("update route", domain)
	}

	target, port := st.Target, st.Port
	if u.Target != nil {
		t, err := NormalizeTarget(*u.Target)
		if err != nil {
			return Route{}, newError(KindValidation, "update route", domain, err)
		}
		target = t
	}
	if u.Port != nil {
		if !validPort(*u.Port) {
			return Route{}, invalid("update route", domain, "invalid port %d", *u.Port)
		}
		port = *u.Port
	}
	if target == st.Target && port == st.Port {
		return st.Route, r.persistLocked()
	}

	proxy, err := r.newReverseProxy(domain, target)
	if err != nil {
		return Route{}, err
	}

	wasRunning := st.IsRunning
	if wasRunning {
		r.stopLocked(st)
	}
	st.Target, st.Port, st.proxy = target, port, proxy
	r.Logger.Info("route updated", "domain", domain, "target", target, "port", port)

	if wasRunning {
		if err := r.startLocked(st, "", ""); err != nil {
			_ = r.persistLocked()
			return st.Route, err
		}
	}
	return st.Route, r.persistLocked()
}

// Routes returns all routes sorted by domain.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Route returns the route for domain.
func (r *Router) Route(domain string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.routes[normalizeDomain(domain)]
	if !ok {
		return Route{}, false
	}
	return st.Route, true
}

// Ports returns the ports that currently have a bound listener.
func (r *Router) Ports() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]int, 0, len(r.listeners))
	for p := range r.listeners {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// ReloadCertificates re-reads the certificate of every running route from
// disk without rebinding. It returns the number reloaded; failures keep the
// old certificate and are joined into the error.
func (r *Router) ReloadCertificates() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		n    int
		errs []error
	)
	for _, st := range r.routes {
		if !st.IsRunning {
			continue
		}
		cert, err := LoadKeyPair(st.CertPath, st.KeyPath)
		if err != nil {
			errs = append(errs, withDomain(err, "reload certificate", st.Domain))
			continue
		}
		r.sni.Set(st.Domain, cert)
		n++
	}
	r.Logger.Info("certificates reloaded", "count", n, "failed", len(errs))
	return n, errors.Join(errs...)
}

func (r *Router) snapshotLocked() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, st := range r.routes {
		out = append(out, st.Route)
	}
	sortRoutes(out)
	return out
}

func (r *Router) persistLocked() error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Save(r.snapshotLocked())
}

func (r *Router) updateGaugesLocked() {
	if r.Metrics == nil {
		return
	}
	running := 0
	for _, st := range r.routes {
		if st.IsRunning {
			running++
		}
	}
	r.Metrics.SetRoutesRunning(running)
	r.Metrics.SetListenersOpen(len(r.listeners))
}

func (r *Router) newRouteState(rt Route) (*routeState, error) {
	rt.Domain = normalizeDomain(rt.Domain)
	proxy, err := r.newReverseProxy(rt.Domain, rt.Target)
	if err != nil {
		return nil, err
	}
	if rt.Port == 0 {
		rt.Port = DefaultProxyPort
	}
	rt.IsRunning = false
	return &routeState{Route: rt, proxy: proxy}, nil
}

// listenLocked returns the listener for port, binding it if needed.
func (r *Router) listenLocked(port int) (*portListener, error) {
	if l, ok := r.listeners[port]; ok {
		return l, nil
	}

	addr := net.JoinHostPort(r.ListenHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newError(KindListen, "listen", "", fmt.Errorf("listen %s: %w", addr, err))
	}

	l := &portListener{port: port, ln: ln}
	l.srv = &http.Server{
		Handler: r.handlerFor(port),
		TLSConfig: &tls.Config{
			GetCertificate: r.sni.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadHeaderTimeout: r.ReadHeaderTimeout,
		IdleTimeout:       r.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(r.Logger.Handler(), slog.LevelDebug),
	}
	r.listeners[port] = l

	go func() {
		err := l.srv.ServeTLS(ln, "", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !l.closing.Load() {
			r.Logger.Error("listener stopped", "port", port, "error", err)
		}
	}()

	r.Logger.Info("listener started", "addr", ln.Addr().String())
	return l, nil
}

// releaseLocked tears down the listener on port if no running route uses
// it. The socket is closed at once so the port can be rebound; open
// connections drain in the background.
func (r *Router) releaseLocked(port int) {
	for _, st := range r.routes {
		if st.IsRunning && st.Port == port {
			return
		}
	}
	l, ok := r.listeners[port]
	if !ok {
		return
	}
	delete(r.listeners, port)

	l.closing.Store(true)
	_ = l.ln.Close()
	r.Logger.Info("listener closed", "port", port)

	r.draining[l.srv] = struct{}{}
	r.drains.Add(1)
	go func() {
		defer r.drains.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.DrainTimeout)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			_ = l.srv.Close()
		}
		r.mu.Lock()
		delete(r.draining, l.srv)
		r.mu.Unlock()
	}()
}

func (r *Router) handlerFor(port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.serveRoute(w, req, port)
	})
}

func (r *Router) serveRoute(w http.ResponseWriter, req *http.Request, port int) {
	start := time.Now()
	host := hostOnly(req.Host)

	r.mu.RLock()
	st, ok := r.routes[host]
	var (
		proxy  *httputil.ReverseProxy
		target string
	)
	if ok && st.IsRunning && st.Port == port {
		proxy, target = st.proxy, st.Target
	}
	r.mu.RUnlock()

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = shortuuid.New()
		req.Header.Set(RequestIDHeader, requestID)
	}

	rec := &statusRecorder{ResponseWriter: w}
	if proxy == nil {
		http.Error(rec, "no route for "+host, http.StatusNotFound)
	} else {
		proxy.ServeHTTP(rec, req)
	}
	status := rec.Status()
	duration := time.Since(start)

	if r.Metrics != nil && proxy != nil {
		r.Metrics.RecordRequest(host, status, duration)
	}
	if r.AccessLog != nil {
		r.AccessLog.Log(AccessLogEntry{
			Timestamp:    start,
			RequestID:    requestID,
			Method:       req.Method,
			Host:         host,
			Path:         req.URL.Path,
			Target:       target,
			StatusCode:   status,
			Duration:     duration,
			BytesWritten: rec.bytes,
			ClientAddr:   req.RemoteAddr,
			UserAgent:    req.UserAgent(),
		})
	}
}

func (r *Router) newReverseProxy(domain, target string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, invalid("route target", domain, "parse %q: %v", target, err)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Host = u.Host
			if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
				pr.Out.Header["X-Forwarded-For"] = prior
			}
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Proto", "https")
			pr.Out.Header.Set(ProxyHeader, ProxyHeaderName)
		},
		Transport:     routerTransport{r},
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(r.Logger.Handler(), slog.LevelDebug),
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(ProxyHeader, ProxyHeaderName)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				r.Logger.Debug("client went away", "domain", domain, "path", req.URL.Path)
			} else {
				r.Logger.Warn("upstream error", "domain", domain, "target", target,
					"error", newError(KindUpstream, "proxy", domain, err))
			}
			if r.Metrics != nil {
				r.Metrics.RecordUpstreamError(domain)
			}
			w.Header().Set(ProxyHeader, ProxyHeaderName)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}, nil
}

// routerTransport resolves Router.Transport per request, so proxies built
// before the field is replaced pick up the new transport.
type routerTransport struct {
	r *Router
}

func (t routerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.r.Transport != nil {
		return t.r.Transport.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// withDomain fills in the op and domain of a devhost error raised by a
// helper that did not know them.
func withDomain(err error, op, domain string) error {
	var e *Error
	if errors.As(err, &e) && e.Domain == "" {
		return newError(e.Kind, op, domain, e.Err)
	}
	return err
}

// statusRecorder captures the status code and body size. It forwards
// flushes and hijacks so streaming and upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 && (code >= 200 || code == http.StatusSwitchingProtocols) {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
