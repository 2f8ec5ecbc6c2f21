package devhost

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultIP is the address used when Add and friends are given no IP.
const DefaultIP = "127.0.0.1"

// Sentinel lines marking a managed entry. Each one must sit directly below
// the data line it owns.
const (
	ActiveSentinel   = "# @devhost/active"
	DisabledSentinel = "# @devhost/disabled"
)

// Host names that ImportAll never adopts. Taking ownership of them would let
// Remove delete the system's own loopback lines.
var systemHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
	"broadcasthost":         true,
}

// HostEntry is one ip/domain pair found in the hosts file.
type HostEntry struct {
	IP        string `json:"ip"`
	Domain    string `json:"domain"`
	Managed   bool   `json:"managed"`
	Disabled  bool   `json:"disabled"`
	LineIndex int    `json:"lineIndex"`
}

// HostRegistry reads and rewrites a hosts file, tracking the entries it owns
// through sentinel lines. Entries without a sentinel directly below them are
// foreign and are never removed or rewritten by Remove or SetEnabled.
//
// Every mutation is one read-modify-write of the whole file, serialized by an
// in-process mutex. There is no cross-process lock: an external edit racing a
// mutation can be lost. Watch reports such edits.
type HostRegistry struct {
	// Path of the hosts file.
	Path string

	// Backup copies the previous content to Path + ".devhost.bak" before
	// every write.
	Backup bool

	// Logger for registry events.
	Logger *slog.Logger

	// Metrics records mutations (optional).
	Metrics *Metrics

	// OnExternalChange is called by Watch when another process modified
	// the file.
	OnExternalChange func()

	mu       sync.Mutex
	lastSeen [sha256.Size]byte
}

// NewHostRegistry creates a registry for the hosts file at path. An empty
// path selects DefaultHostsPath.
func NewHostRegistry(path string) *HostRegistry {
	if path == "" {
		path = DefaultHostsPath()
	}
	return &HostRegistry{
		Path:   path,
		Logger: slog.Default(),
	}
}

// DefaultHostsPath returns the location of the OS hosts file.
func DefaultHostsPath() string {
	if runtime.GOOS == "windows" {
		windir := os.Getenv("SystemRoot")
		if windir == "" {
			windir = `C:\Windows`
		}
		return filepath.Join(windir, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// Read returns every entry in the hosts file.
func (r *HostRegistry) Read() ([]HostEntry, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, ioError("read hosts", "", err)
	}
	return parseHostsFile(data).entries(), nil
}

// ReadLocal returns the entries pointing at 127.0.0.1 or ::1.
func (r *HostRegistry) ReadLocal() ([]HostEntry, error) {
	entries, err := r.Read()
	if err != nil {
		return nil, err
	}
	local := entries[:0]
	for _, e := range entries {
		if isLoopback(e.IP) {
			local = append(local, e)
		}
	}
	return local, nil
}

// Add makes domain resolve to ip through a managed, enabled entry. It is
// idempotent: an enabled managed entry is left alone, a disabled one is
// enabled, an unmanaged one is adopted in place and a missing one is
// appended.
func (r *HostRegistry) Add(domain, ip string) error {
	domain, ip, err := checkHostArgs("add host", domain, ip)
	if err != nil {
		return err
	}

	return r.mutate("add", func(f *hostsFile) (bool, error) {
		e, found := f.find(domain, ip)
		switch {
		case !found:
			f.appendBlock(ip, domain)
			r.Logger.Info("host added", "domain", domain, "ip", ip)
			return true, nil
		case e.Managed && !e.Disabled:
			return false, nil
		case e.Managed:
			f.setEnabled(e.LineIndex, true)
			r.Logger.Info("host enabled", "domain", domain, "ip", ip)
			return true, nil
		default:
			if !f.adoptable(e.LineIndex) {
				return false, invalid("add host", domain, "line %d lists several host names", e.LineIndex+1)
			}
			f.adopt(e.LineIndex)
			r.Logger.Info("host adopted", "domain", domain, "ip", ip)
			return true, nil
		}
	})
}

// Adopt marks an existing unmanaged "ip domain" line as managed by
// inserting the active sentinel below it. It returns false when the entry
// is absent or already managed.
func (r *HostRegistry) Adopt(domain, ip string) (bool, error) {
	domain, ip, err := checkHostArgs("adopt host", domain, ip)
	if err != nil {
		return false, err
	}

	adopted := false
	err = r.mutate("adopt", func(f *hostsFile) (bool, error) {
		e, found := f.find(domain, ip)
		if !found || e.Managed {
			return false, nil
		}
		if !f.adoptable(e.LineIndex) {
			return false, invalid("adopt host", domain, "line %d lists several host names", e.LineIndex+1)
		}
		f.adopt(e.LineIndex)
		adopted = true
		return true, nil
	})
	return adopted, err
}

// ImportAll adopts every unmanaged loopback entry and returns how many were
// adopted. Lines listing several names and system names such as localhost
// are skipped. A failed adoption does not stop the remaining ones; all
// failures are joined into the returned error.
func (r *HostRegistry) ImportAll() (int, error) {
	entries, err := r.ReadLocal()
	if err != nil {
		return 0, err
	}

	shared := make(map[int]int)
	for _, e := range entries {
		shared[e.LineIndex]++
	}

	var (
		count int
		errs  []error
	)
	for _, e := range entries {
		if e.Managed || shared[e.LineIndex] > 1 || systemHostnames[strings.ToLower(e.Domain)] {
			continue
		}
		ok, err := r.Adopt(e.Domain, e.IP)
		if err != nil {
			r.Logger.Warn("import host", "domain", e.Domain, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}

	r.Logger.Info("hosts imported", "count", count)
	return count, errors.Join(errs...)
}

// SetEnabled switches a managed entry between its active and disabled
// encodings. The ip/domain text is kept byte for byte. It returns false if
// the entry is not managed.
func (r *HostRegistry) SetEnabled(domain string, enabled bool, ip string) (bool, error) {
	domain, ip, err := checkHostArgs("set host state", domain, ip)
	if err != nil {
		return false, err
	}

	managed := false
	err = r.mutate("set_enabled", func(f *hostsFile) (bool, error) {
		e, found := f.find(domain, ip)
		if !found || !e.Managed {
			return false, nil
		}
		managed = true
		if e.Disabled == !enabled {
			return false, nil
		}
		f.setEnabled(e.LineIndex, enabled)
		r.Logger.Info("host state changed", "domain", domain, "ip", ip, "enabled", enabled)
		return true, nil
	})
	return managed, err
}

// Remove deletes both lines of a managed entry. Foreign entries are left in
// place and Remove returns false.
func (r *HostRegistry) Remove(domain, ip string) (bool, error) {
	domain, ip, err := checkHostArgs("remove host", domain, ip)
	if err != nil {
		return false, err
	}

	removed := false
	err = r.mutate("remove", func(f *hostsFile) (bool, error) {
		e, found := f.find(domain, ip)
		if !found || !e.Managed {
			return false, nil
		}
		f.remove(e.LineIndex)
		removed = true
		r.Logger.Info("host removed", "domain", domain, "ip", ip)
		return true, nil
	})
	return removed, err
}

// Watch blocks until ctx is done, reporting modifications of the hosts file
// made by other processes. Writes made by this registry are not reported.
func (r *HostRegistry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ioError("watch hosts", "", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: atomic renames replace the inode.
	if err := w.Add(filepath.Dir(r.Path)); err != nil {
		return ioError("watch hosts", "", err)
	}

	if data, err := os.ReadFile(r.Path); err == nil {
		r.mu.Lock()
		r.lastSeen = sha256.Sum256(data)
		r.mu.Unlock()
	}

	target := filepath.Clean(r.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.checkExternalChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.Logger.Warn("hosts watcher", "error", err)
		}
	}
}

func (r *HostRegistry) checkExternalChange() {
	r.mu.Lock()
	data, err := os.ReadFile(r.Path)
	if err != nil {
		r.mu.Unlock()
		return
	}
	sum := sha256.Sum256(data)
	changed := sum != r.lastSeen
	r.lastSeen = sum
	r.mu.Unlock()

	if !changed {
		return
	}
	r.Logger.Warn("hosts file modified by another process", "path", r.Path)
	if r.OnExternalChange != nil {
		r.OnExternalChange()
	}
}

func (r *HostRegistry) mutate(op string, fn func(f *hostsFile) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.Path)
	if err != nil {
		return ioError("read hosts", "", err)
	}

	f := parseHostsFile(data)
	changed, err := fn(f)
	if err != nil || !changed {
		return err
	}

	if r.Backup {
		if err := os.WriteFile(r.Path+".devhost.bak", data, 0644); err != nil {
			return ioError("backup hosts", "", err)
		}
	}

	out := f.bytes()
	if err := writeFileAtomic(r.Path, out, 0644); err != nil {
		return ioError("write hosts", "", err)
	}
	r.lastSeen = sha256.Sum256(out)

	if r.Metrics != nil {
		r.Metrics.RecordHostsMutation(op)
	}
	return nil
}

func checkHostArgs(op, domain, ip string) (string, string, error) {
	domain = strings.TrimSpace(domain)
	if !ValidDomain(domain) {
		return "", "", invalid(op, domain, "invalid domain")
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = DefaultIP
	}
	if net.ParseIP(ip) == nil {
		return "", "", invalid(op, domain, "invalid ip %q", ip)
	}
	return domain, ip, nil
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && (parsed.Equal(net.IPv4(127, 0, 0, 1)) || parsed.Equal(net.IPv6loopback))
}

func sameIP(a, b string) bool {
	pa, pb := net.ParseIP(a), net.ParseIP(b)
	return pa != nil && pb != nil && pa.Equal(pb)
}

// hostsFile holds the raw lines of a hosts file. Lines are split on "\n"
// only, so CRLF files keep their "\r" and unrelated bytes survive a
// rewrite untouched.
type hostsFile struct {
	lines           []string
	trailingNewline bool
	crlf            bool
}

func parseHostsFile(data []byte) *hostsFile {
	s := string(data)
	f := &hostsFile{crlf: strings.Contains(s, "\r\n")}
	if s == "" {
		return f
	}
	if strings.HasSuffix(s, "\n") {
		f.trailingNewline = true
		s = s[:len(s)-1]
	}
	f.lines = strings.Split(s, "\n")
	return f
}

func (f *hostsFile) bytes() []byte {
	s := strings.Join(f.lines, "\n")
	if f.trailingNewline && len(f.lines) > 0 {
		s += "\n"
	}
	return []byte(s)
}

type dataLine struct {
	ip        string
	names     []string
	commented bool
}

func parseDataLine(line string) (dataLine, bool) {
	t := strings.TrimSpace(line)
	commented := false
	if strings.HasPrefix(t, "#") {
		commented = true
		t = strings.TrimSpace(t[1:])
	}
	if i := strings.Index(t, "#"); i >= 0 {
		t = t[:i]
	}
	fields := strings.Fields(t)
	if len(fields) < 2 || net.ParseIP(fields[0]) == nil {
		return dataLine{}, false
	}
	return dataLine{ip: fields[0], names: fields[1:], commented: commented}, true
}

func sentinelFor(disabled bool) string {
	if disabled {
		return DisabledSentinel
	}
	return ActiveSentinel
}

func (f *hostsFile) lineAt(i int) string {
	if i < 0 || i >= len(f.lines) {
		return ""
	}
	return strings.TrimSpace(f.lines[i])
}

// managedAt reports whether line i is a single-name data line whose next
// line is the sentinel matching its encoding.
func (f *hostsFile) managedAt(i int, dl dataLine) bool {
	return len(dl.names) == 1 && f.lineAt(i+1) == sentinelFor(dl.commented)
}

func (f *hostsFile) entries() []HostEntry {
	var out []HostEntry
	for i, line := range f.lines {
		dl, ok := parseDataLine(line)
		if !ok {
			continue
		}
		managed := f.managedAt(i, dl)
		if dl.commented && !managed {
			continue
		}
		for _, name := range dl.names {
			out = append(out, HostEntry{
				IP:        dl.ip,
				Domain:    name,
				Managed:   managed,
				Disabled:  dl.commented,
				LineIndex: i,
			})
		}
	}
	return out
}

// find returns the entry for domain and ip, preferring a managed one.
func (f *hostsFile) find(domain, ip string) (HostEntry, bool) {
	var (
		match HostEntry
		found bool
	)
	for _, e := range f.entries() {
		if !strings.EqualFold(e.Domain, domain) || !sameIP(e.IP, ip) {
			continue
		}
		if e.Managed {
			return e, true
		}
		if !found {
			match, found = e, true
		}
	}
	return match, found
}

func (f *hostsFile) adoptable(i int) bool {
	dl, ok := parseDataLine(f.lines[i])
	return ok && !dl.commented && len(dl.names) == 1
}

func (f *hostsFile) withEOL(s string) string {
	if f.crlf {
		return s + "\r"
	}
	return s
}

func (f *hostsFile) insert(i int, lines ...string) {
	f.lines = append(f.lines[:i], append(lines, f.lines[i:]...)...)
}

func (f *hostsFile) adopt(i int) {
	f.insert(i+1, f.withEOL(ActiveSentinel))
}

func (f *hostsFile) appendBlock(ip, domain string) {
	f.lines = append(f.lines,
		f.withEOL(fmt.Sprintf("%s %s", ip, domain)),
		f.withEOL(ActiveSentinel),
	)
	f.trailingNewline = true
}

func (f *hostsFile) setEnabled(i int, enabled bool) {
	if enabled {
		f.lines[i] = uncommentLine(f.lines[i])
	} else {
		f.lines[i] = commentLine(f.lines[i])
	}
	cr := ""
	if strings.HasSuffix(f.lines[i+1], "\r") {
		cr = "\r"
	}
	f.lines[i+1] = sentinelFor(!enabled) + cr
}

func (f *hostsFile) remove(i int) {
	f.lines = append(f.lines[:i], f.lines[i+2:]...)
}

func commentLine(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]
	return indent + "# " + trimmed
}

func uncommentLine(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]
	trimmed = strings.TrimPrefix(trimmed, "#")
	trimmed = strings.TrimPrefix(trimmed, " ")
	return indent + trimmed
}
