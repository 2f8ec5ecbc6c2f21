package devhost

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// App wires one HostRegistry, CertificateAuthority and Router together from
// a Config. The three components never refer to each other; App runs the
// workflows that span them.
type App struct {
	Config  Config
	Hosts   *HostRegistry
	CA      *CertificateAuthority
	Router  *Router
	Backend *BackendTransport
	Metrics *Metrics
	Health  *HealthChecker
	Logger  *slog.Logger
}

// NewApp validates cfg and builds every component. The route table is
// loaded from the data directory with every route stopped.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()

	hosts := NewHostRegistry(cfg.Hosts.Path)
	hosts.Backup = cfg.Hosts.Backup
	hosts.Logger = logger.With("component", "hosts")
	hosts.Metrics = metrics

	ca := NewCertificateAuthority(cfg.DataDir)
	ca.Organization = cfg.CA.Organization
	if cfg.CA.RootValidityYears > 0 {
		ca.RootValidityYears = cfg.CA.RootValidityYears
	}
	if cfg.CA.LeafValidityDays > 0 {
		ca.LeafValidity = time.Duration(cfg.CA.LeafValidityDays) * 24 * time.Hour
	}
	ca.Signer = cfg.CA.NewSigner()
	ca.Logger = logger.With("component", "ca")
	ca.Metrics = metrics

	backend := cfg.Proxy.Backend.NewTransport()

	router, err := NewRouter(NewRouteStore(cfg.DataDir))
	if err != nil {
		return nil, err
	}
	router.ListenHost = cfg.Proxy.ListenHost
	if cfg.Proxy.ReadHeaderTimeout > 0 {
		router.ReadHeaderTimeout = cfg.Proxy.ReadHeaderTimeout
	}
	if cfg.Proxy.IdleTimeout > 0 {
		router.IdleTimeout = cfg.Proxy.IdleTimeout
	}
	if cfg.Proxy.DrainTimeout > 0 {
		router.DrainTimeout = cfg.Proxy.DrainTimeout
	}
	router.Transport = backend
	router.Logger = logger.With("component", "router")
	router.Metrics = metrics
	if cfg.Logging.AccessLog {
		router.AccessLog = NewAccessLogger(logger.With("component", "access"))
	}

	health := NewHealthChecker()
	health.ReadinessChecks = append(health.ReadinessChecks, func() error {
		if !fileExists(ca.RootCertPath()) {
			return errors.New("root CA not initialized")
		}
		return nil
	})

	return &App{
		Config:  cfg,
		Hosts:   hosts,
		CA:      ca,
		Router:  router,
		Backend: backend,
		Metrics: metrics,
		Health:  health,
		Logger:  logger,
	}, nil
}

// Link makes https://domain reach target: it adds a managed hosts entry,
// makes sure a valid certificate exists, then registers and starts the
// route. A zero port uses the configured default.
func (a *App) Link(domain, target string, port int) (Route, error) {
	domain = normalizeDomain(domain)
	if port == 0 {
		port = a.Config.Proxy.Port
	}
	if !ValidDomain(domain) {
		return Route{}, invalid("link", domain, "invalid domain")
	}
	if _, err := NormalizeTarget(target); err != nil {
		return Route{}, newError(KindValidation, "link", domain, err)
	}

	if err := a.Hosts.Add(domain, DefaultIP); err != nil {
		return Route{}, err
	}

	info, err := a.EnsureCertificate(domain)
	if err != nil {
		return Route{}, err
	}

	if _, err := a.Router.Register(Route{
		Domain:   domain,
		Target:   target,
		Port:     port,
		CertPath: info.CertPath,
		KeyPath:  info.KeyPath,
	}); err != nil {
		return Route{}, err
	}
	if err := a.Router.Start(domain, info.CertPath, info.KeyPath); err != nil {
		return Route{}, err
	}

	rt, _ := a.Router.Route(domain)
	a.Logger.Info("domain linked", "domain", domain, "target", rt.Target, "port", rt.Port)
	return rt, nil
}

// EnsureCertificate returns the stored certificate for domain, issuing a
// new one when none is stored, the stored one is invalid, or its key does
// not match.
func (a *App) EnsureCertificate(domain string) (*CertificateInfo, error) {
	if err := a.CA.Initialize(); err != nil {
		return nil, err
	}
	info, err := a.CA.Verify(domain)
	if err != nil && !errors.Is(err, ErrCrypto) {
		return nil, err
	}
	if err == nil && info != nil && info.IsValid {
		return info, nil
	}
	return a.CA.Issue(domain)
}

// Unlink stops and removes the route for domain and its managed hosts
// entry. With purge the certificate is deleted too.
func (a *App) Unlink(domain string, purge bool) error {
	domain = normalizeDomain(domain)

	var errs []error
	if _, err := a.Router.Unregister(domain); err != nil {
		errs = append(errs, err)
	}
	if _, err := a.Hosts.Remove(domain, DefaultIP); err != nil {
		errs = append(errs, err)
	}
	if purge {
		if _, err := a.CA.Delete(domain); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		a.Logger.Info("domain unlinked", "domain", domain, "purge", purge)
	}
	return errors.Join(errs...)
}

// StartRoutes starts the named routes, or every registered route when no
// domain is given, using the certificate paths stored on each route. It
// returns how many were started; failures are joined.
func (a *App) StartRoutes(domains ...string) (int, error) {
	if len(domains) == 0 {
		for _, rt := range a.Router.Routes() {
			domains = append(domains, rt.Domain)
		}
	}

	var (
		n    int
		errs []error
	)
	for _, d := range domains {
		rt, ok := a.Router.Route(d)
		if !ok {
			errs = append(errs, notFound("start route", d))
			continue
		}
		certPath, keyPath := rt.CertPath, rt.KeyPath
		if certPath == "" || keyPath == "" {
			certPath, keyPath = a.CA.CertPaths(rt.Domain)
		}
		if err := a.Router.Start(rt.Domain, certPath, keyPath); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// StatusServer returns a status server reporting on this app.
func (a *App) StatusServer() *StatusServer {
	s := NewStatusServer(a.Config.Status.Addr, a.Router)
	s.CA = a.CA
	s.Hosts = a.Hosts
	s.Health = a.Health
	s.Metrics = a.Metrics
	s.Backend = a.Backend
	s.Logger = a.Logger.With("component", "status")
	return s
}

// Shutdown stops every route and waits for open connections to drain.
func (a *App) Shutdown(ctx context.Context) error {
	a.Health.SetReady(false)
	err := a.Router.StopAll(ctx)
	a.Backend.CloseIdleConnections()
	return err
}
