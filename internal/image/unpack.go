package image

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
)

// Unpack extracts the flattened image filesystem into dst. Entries are
// confined to dst even when the image contains absolute or escaping symlinks.
// Device nodes are skipped since atoms run unprivileged.
func (i *Image) Unpack(ctx context.Context, dst string) error {
	log := clog.FromContext(ctx)

	rc := mutate.Extract(i.img)
	defer rc.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	tr := tar.NewReader(rc)
	var files int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading image layer: %w", err)
		}

		target, err := resolve(dst, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		if err := extract(dst, target, hdr, tr); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		files++
	}

	log.Debug("unpacked image", "path", dst, "entries", files)
	return nil
}

// resolve returns where a tar entry lands under root. Parent directories are
// resolved inside root but the final component is not followed, so an entry
// can replace a symlink instead of writing through it.
func resolve(root, entry string) (string, error) {
	clean := filepath.Clean("/" + entry)
	if clean == "/" {
		return "", nil
	}

	parent, err := securejoin.SecureJoin(root, filepath.Dir(clean))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", entry, err)
	}
	return filepath.Join(parent, filepath.Base(clean)), nil
}

func extract(root, target string, hdr *tar.Header, r io.Reader) error {
	mode := hdr.FileInfo().Mode().Perm()

	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			info, statErr := os.Lstat(target)
			// a non-empty directory being replaced by a file
			if statErr != nil || !info.IsDir() {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		// owner write is kept so the tree can be removed later
		if err := os.MkdirAll(target, mode|0o700); err != nil {
			return err
		}
		return os.Chmod(target, mode|0o700)

	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()

	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		src, err := resolve(root, hdr.Linkname)
		if err != nil {
			return err
		}
		return os.Link(src, target)

	default:
		return nil
	}
}
