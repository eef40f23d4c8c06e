// Package artifacts reads zipped pipeline outputs and renders the documents
// produced after a successful finalization: the consolidated export, the
// text summary and the detail bundle.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"tims/internal/blob"
)

// ErrEmptyArchive is returned when an archive holds no regular file.
var ErrEmptyArchive = errors.New("archive has no file entries")

func readArchive(ctx context.Context, store blob.Store, key string) (*zip.Reader, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("unzip %s: %w", key, err)
	}
	return zr, nil
}

func regular(f *zip.File) bool {
	return !f.FileInfo().IsDir() && !strings.HasSuffix(f.Name, "/")
}

// OpenOutput fetches a zipped pipeline output and returns its first regular
// file entry.
func OpenOutput(ctx context.Context, store blob.Store, key string) (io.ReadCloser, error) {
	zr, err := readArchive(ctx, store, key)
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !regular(f) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", f.Name, key, err)
		}
		return rc, nil
	}
	return nil, fmt.Errorf("%s: %w", key, ErrEmptyArchive)
}

// DetailSource names one job's zipped detail output.
type DetailSource struct {
	JobID int64
	Key   string
}

// WriteDetailBundle copies every regular entry of each source archive into a
// new zip written to w under job_<id>/. Sources without a key are skipped.
// It returns the number of entries written.
func WriteDetailBundle(ctx context.Context, store blob.Store, w io.Writer, sources []DetailSource) (int, error) {
	zw := zip.NewWriter(w)
	written := 0
	for _, src := range sources {
		if src.Key == "" {
			continue
		}
		zr, err := readArchive(ctx, store, src.Key)
		if err != nil {
			return written, err
		}
		dir := fmt.Sprintf("job_%d", src.JobID)
		for _, f := range zr.File {
			if !regular(f) {
				continue
			}
			if err := copyEntry(zw, path.Join(dir, f.Name), f); err != nil {
				return written, fmt.Errorf("bundle job %d: %w", src.JobID, err)
			}
			written++
		}
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("close bundle: %w", err)
	}
	return written, nil
}

func copyEntry(zw *zip.Writer, name string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: f.Modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, rc)
	return err
}

// ZipFiles builds an archive from name -> content pairs in the given order.
// Pipelines and tests use it to package outputs.
func ZipFiles(names []string, contents map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(dst, contents[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
