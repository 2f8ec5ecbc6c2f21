package devhost

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform selects the trust-store strategy.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformWindows
	PlatformMacOS
	PlatformLinux
)

func (p Platform) String() string {
	switch p {
	case PlatformWindows:
		return "windows"
	case PlatformMacOS:
		return "macos"
	case PlatformLinux:
		return "linux"
	default:
		return "unknown"
	}
}

// DetectPlatform returns the platform this binary was built for. Call it
// once at startup and pass the result around.
func DetectPlatform() Platform {
	return platformFor(runtime.GOOS)
}

func platformFor(goos string) Platform {
	switch goos {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMacOS
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// TrustResult reports the outcome of a trust-store installation.
type TrustResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// TrustInstaller adds the root certificate to the OS trust store.
type TrustInstaller struct {
	Platform Platform

	// Runner executes the platform tool. Defaults to ExecRunner.
	Runner CommandRunner

	// MacKeychain is the keychain used on macOS.
	MacKeychain string

	// LinuxAnchorDir receives a copy of the root on Linux before
	// update-ca-certificates runs.
	LinuxAnchorDir string

	// Logger for installer events.
	Logger *slog.Logger
}

// NewTrustInstaller returns the installer for p.
func NewTrustInstaller(p Platform) *TrustInstaller {
	return &TrustInstaller{
		Platform:       p,
		Runner:         ExecRunner{},
		MacKeychain:    "/Library/Keychains/System.keychain",
		LinuxAnchorDir: "/usr/local/share/ca-certificates",
		Logger:         slog.Default(),
	}
}

// Install trusts the certificate at certPath. Failures are reported in the
// result rather than as an error.
func (ti *TrustInstaller) Install(ctx context.Context, certPath string) TrustResult {
	if !fileExists(certPath) {
		return TrustResult{Message: fmt.Sprintf("root certificate %s not found; run cert init first", certPath)}
	}

	var (
		name string
		args []string
	)
	switch ti.Platform {
	case PlatformWindows:
		name, args = "certutil", []string{"-addstore", "-f", "ROOT", certPath}
	case PlatformMacOS:
		name, args = "security", []string{"add-trusted-cert", "-d", "-r", "trustRoot", "-k", ti.MacKeychain, certPath}
	case PlatformLinux:
		anchor := filepath.Join(ti.LinuxAnchorDir, "devhost-rootCA.crt")
		if err := copyFile(certPath, anchor); err != nil {
			return TrustResult{Message: fmt.Sprintf("copy root to %s: %v", anchor, err)}
		}
		name = "update-ca-certificates"
	default:
		return TrustResult{Message: fmt.Sprintf("trust installation is not supported on %s", ti.Platform)}
	}

	runner := ti.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, name, args...)
	if err != nil {
		ti.Logger.Error("trust install failed", "platform", ti.Platform.String(), "command", name, "error", err)
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return TrustResult{Message: fmt.Sprintf("%s failed: %s", name, msg)}
	}

	ti.Logger.Info("root certificate trusted", "platform", ti.Platform.String(), "cert", certPath)
	return TrustResult{OK: true, Message: fmt.Sprintf("root certificate added to the %s trust store", ti.Platform)}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
