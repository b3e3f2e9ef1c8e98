package image

import (
	"fmt"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// writeCache streams img into a tarball at path, reporting progress against
// the manifest's declared sizes. path only appears once the write completed.
func writeCache(img v1.Image, tag name.Tag, path string, progress Progress) error {
	var total int64
	if m, err := img.Manifest(); err == nil {
		total = m.Config.Size
		for _, l := range m.Layers {
			total += l.Size
		}
	}

	partial := path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("creating %s: %w", partial, err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &countingWriter{w: f, total: total, progress: progress}
	}

	if err := tarball.Write(tag, img, w); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("closing %s: %w", partial, err)
	}

	return os.Rename(partial, path)
}

type countingWriter struct {
	w        io.Writer
	done     int64
	total    int64
	progress Progress
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.done += int64(n)
	total := c.total
	// tar headers and the manifest add a little over the declared sizes
	if c.done > total {
		total = c.done
	}
	c.progress(c.done, total)
	return n, err
}
