package devhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultProxyPort is used when a route does not name a port.
const DefaultProxyPort = 443

// Route maps a local domain to a backend.
type Route struct {
	Domain    string `json:"domain"`
	Target    string `json:"target"`
	Port      int    `json:"port"`
	IsRunning bool   `json:"isRunning"`
	CertPath  string `json:"certPath,omitempty"`
	KeyPath   string `json:"keyPath,omitempty"`
}

// RouteUpdate carries optional changes for Router.Update. Nil fields are
// left alone.
type RouteUpdate struct {
	Target *string
	Port   *int
}

// RouteStore persists the route table as a JSON array.
type RouteStore struct {
	Path string
}

// NewRouteStore stores routes in <dataDir>/proxies.json.
func NewRouteStore(dataDir string) *RouteStore {
	return &RouteStore{Path: filepath.Join(dataDir, "proxies.json")}
}

// Load reads the table. A missing file is an empty table. Every route is
// returned as not running: listeners never survive a restart.
func (s *RouteStore) Load() ([]Route, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Route{}, nil
	}
	if err != nil {
		return nil, ioError("load routes", "", err)
	}

	var routes []Route
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &routes); err != nil {
			return nil, invalid("load routes", "", "parse %s: %v", s.Path, err)
		}
	}
	for i := range routes {
		routes[i].IsRunning = false
	}
	sortRoutes(routes)
	return routes, nil
}

// Save writes the table sorted by domain.
func (s *RouteStore) Save(routes []Route) error {
	out := make([]Route, len(routes))
	copy(out, routes)
	sortRoutes(out)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return ioError("save routes", "", err)
	}
	if err := writeFileAtomic(s.Path, data, 0644); err != nil {
		return ioError("save routes", "", err)
	}
	return nil
}

func sortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].Domain < routes[j].Domain })
}

// NormalizeTarget turns a backend address into an absolute http or https
// URL. A bare host:port gets the http scheme.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("target %q has no host", target)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || !validPort(n) {
			return "", fmt.Errorf("invalid target port %q", p)
		}
	}
	if u.User != nil {
		return "", fmt.Errorf("target must not carry credentials")
	}

	return strings.TrimSuffix(u.String(), "/"), nil
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return normalizeDomain(h)
	}
	return normalizeDomain(hostport)
}
