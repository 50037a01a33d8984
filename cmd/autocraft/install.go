package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

const mermaidASCIIVersion = "1.1.0"

// SHA-256 checksums of the mermaid-ascii v1.1.0 release assets.
var mermaidASCIIChecksums = map[string]string{
	"mermaid-ascii_Darwin_arm64.tar.gz":  "068d2ff869d4921655cab471500fffd8c3ed28155b100518ed3cf3835d53d3d0",
	"mermaid-ascii_Darwin_x86_64.tar.gz": "0cd4c9c01a03284fe866f39a1ce1aaee1e6a2fbd91deedc4ec254cb87622eec8",
	"mermaid-ascii_Linux_arm64.tar.gz":   "3b7d0a95141bfbca838e445ea802ffb7fba8873b3c4af498482c84f83526f2db",
	"mermaid-ascii_Linux_x86_64.tar.gz":  "838ea93d561b3bc83aa15531c6ed7d2d261a8edc521d5484f7e91fe831cc4c65",
}

var installCommand = &cli.Command{
	Name:  "install",
	Usage: "Write settings.json and fetch the mermaid-ascii renderer",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "panel listen address"},
		&cli.BoolFlag{Name: "panel", Usage: "enable the web panel"},
		&cli.StringFlag{Name: "mcp", Usage: "MCP transport: stdio, sse or empty"},
		&cli.StringFlag{Name: "mcp-addr", Usage: "listen address of the MCP SSE transport"},
		&cli.StringFlag{Name: "flow", Usage: "default flow file"},
		&cli.BoolFlag{Name: "skip-renderer", Usage: "do not download mermaid-ascii"},
	}, runFlags...),
	Action: installAction,
}

func installAction(c *cli.Context) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	path, err := saveSettings(cfg)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Config written to %s\n", path)

	logger, _ := newLogger(cfg)
	if !c.Bool("skip-renderer") {
		client := &http.Client{Timeout: 60 * time.Second}
		if dest, err := installMermaidASCII(c.Context, client, binDir(cfg.DataDir)); err != nil {
			// ASCII diagrams fall back to the built-in renderer.
			logger.Warn("mermaid-ascii not installed", "error", err)
		} else {
			fmt.Fprintf(c.App.Writer, "mermaid-ascii available at %s\n", dest)
		}
	}

	if pid, ok := signalRunningServer(pidPath(cfg.DataDir)); ok {
		logger.Info("signaled running server to reload", slog.Int("pid", pid))
	}
	return nil
}

// signalRunningServer sends SIGHUP to the "serve" process recorded in the
// pid file and reports whether one was reached.
func signalRunningServer(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, proc.Signal(syscall.SIGHUP) == nil
}

// installMermaidASCII downloads, verifies and unpacks mermaid-ascii into
// dir. An existing binary is kept.
func installMermaidASCII(ctx context.Context, client httpDoer, dir string) (string, error) {
	dest := filepath.Join(dir, "mermaid-ascii")
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	asset, err := mermaidASCIIAssetName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("https://github.com/AlexanderGrooff/mermaid-ascii/releases/download/%s/%s",
		mermaidASCIIVersion, asset)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := downloadToTemp(ctx, client, url, dir)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", asset, err)
	}
	defer os.Remove(tmp)

	if want, ok := mermaidASCIIChecksums[asset]; ok {
		got, err := sha256File(tmp)
		if err != nil {
			return "", err
		}
		if got != want {
			return "", fmt.Errorf("checksum mismatch for %s: want %s, got %s", asset, want, got)
		}
	}

	f, err := os.Open(tmp)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := extractTarGz(f, dir, "mermaid-ascii"); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// mermaidASCIIAssetName returns the release asset for a platform.
func mermaidASCIIAssetName(goos, goarch string) (string, error) {
	osNames := map[string]string{"darwin": "Darwin", "linux": "Linux"}
	archNames := map[string]string{"amd64": "x86_64", "arm64": "arm64", "386": "i386"}

	osName, ok := osNames[goos]
	if !ok {
		return "", fmt.Errorf("mermaid-ascii: unsupported OS %q", goos)
	}
	archName, ok := archNames[goarch]
	if !ok {
		return "", fmt.Errorf("mermaid-ascii: unsupported architecture %q", goarch)
	}
	return fmt.Sprintf("mermaid-ascii_%s_%s.tar.gz", osName, archName), nil
}

// httpDoer is satisfied by *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func downloadToTemp(ctx context.Context, client httpDoer, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// extractTarGz writes the regular file named target (at any depth) from
// the archive into dir, executable.
func extractTarGz(r io.Reader, dir, target string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("file %q not found in archive", target)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if filepath.Base(hdr.Name) != target || hdr.Typeflag != tar.TypeReg {
			continue
		}

		dest := filepath.Join(dir, target)
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by the tar header size
			f.Close()
			return err
		}
		return f.Close()
	}
}
