package distro

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Hook fixes up a freshly unpacked root filesystem.
type Hook func(ctx context.Context, root string) error

// DefaultHooks returns the hooks available to distribution descriptors.
func DefaultHooks() map[string]Hook {
	return map[string]Hook{
		"resolv-conf":         CopyResolvConf("/etc/resolv.conf"),
		"apt-trusted-sources": AptTrustedSources,
	}
}

// CopyResolvConf returns a hook that copies the host's resolver
// configuration from src into the guest.
func CopyResolvConf(src string) Hook {
	return func(ctx context.Context, root string) error {
		data, err := os.ReadFile(src)
		if errors.Is(err, fs.ErrNotExist) {
			clog.FromContext(ctx).Debug("host has no resolver configuration", "path", src)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", src, err)
		}

		dst := filepath.Join(root, "etc", "resolv.conf")
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
		}
		// images often ship resolv.conf as a symlink into /run; replace it
		// rather than writing through it
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", dst, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", dst, err)
		}
		return nil
	}
}

const trusted = "[trusted=yes]"

// AptTrustedSources marks every apt source as trusted. The one-line
// sources.list format gets [trusted=yes] after deb/deb-src, deb822 files in
// sources.list.d get a "Trusted: yes" field per stanza.
func AptTrustedSources(ctx context.Context, root string) error {
	log := clog.FromContext(ctx)

	list := filepath.Join(root, "etc", "apt", "sources.list")
	if err := rewriteFile(list, trustOneLine); err != nil {
		return err
	}

	stanzas, err := filepath.Glob(filepath.Join(root, "etc", "apt", "sources.list.d", "*.sources"))
	if err != nil {
		return fmt.Errorf("listing apt sources: %w", err)
	}
	for _, f := range stanzas {
		log.Debug("marking apt sources trusted", "path", f)
		if err := rewriteFile(f, trustDeb822); err != nil {
			return err
		}
	}
	return nil
}

// rewriteFile applies fn to path's content. A missing file is skipped.
func rewriteFile(path string, fn func(string) string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(fn(string(data))), info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func trustOneLine(content string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		b.WriteString(trustLine(scanner.Text()))
		b.WriteByte('\n')
	}
	return b.String()
}

// trustLine adds trusted=yes to a deb or deb-src line, merging it into an
// existing option block since apt accepts only one.
func trustLine(line string) string {
	body := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(body)]

	for _, kind := range []string{"deb", "deb-src"} {
		rest, ok := strings.CutPrefix(body, kind)
		if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		rest = strings.TrimLeft(rest, " \t")

		if !strings.HasPrefix(rest, "[") {
			return indent + kind + " " + trusted + " " + rest
		}

		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return line
		}
		opts := strings.TrimSpace(rest[1:end])
		switch {
		case strings.Contains(opts, "trusted="):
			return line
		case opts == "":
			return indent + kind + " " + trusted + rest[end+1:]
		}
		return indent + kind + " [" + opts + " trusted=yes]" + rest[end+1:]
	}
	return line
}

func trustDeb822(content string) string {
	var b strings.Builder
	var stanza []string

	flush := func() {
		if len(stanza) == 0 {
			return
		}
		hasTypes, hasTrusted := false, false
		for _, l := range stanza {
			switch {
			case strings.HasPrefix(l, "Types:"):
				hasTypes = true
			case strings.HasPrefix(l, "Trusted:"):
				hasTrusted = true
			}
		}
		for _, l := range stanza {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		if hasTypes && !hasTrusted {
			b.WriteString("Trusted: yes\n")
		}
		stanza = stanza[:0]
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		stanza = append(stanza, line)
	}
	flush()
	return b.String()
}
