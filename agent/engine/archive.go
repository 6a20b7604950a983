package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// fetchPackage downloads a package of app into a temp file under dir and checks its
// blake3 digest when wantHash is set. The caller removes the returned file.
func (e *Engine) fetchPackage(ctx context.Context, app, file, wantHash, dir string) (string, int64, error) {
	if file == "" {
		return "", 0, fmt.Errorf("no package name")
	}

	tmp, err := os.CreateTemp(dir, ".pkg-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create download file: %w", err)
	}
	path := tmp.Name()

	hasher := blake3.New()
	n, err := e.server.DownloadPackage(ctx, app, file, io.MultiWriter(tmp, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", n, fmt.Errorf("failed to download %s: %w", file, err)
	}

	if wantHash != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, wantHash) {
			os.Remove(path)
			return "", n, fmt.Errorf("checksum mismatch for %s: got %s, want %s", file, got, wantHash)
		}
	}

	e.logger.Debugf("Downloaded %s (%d bytes)", file, n)
	return path, n, nil
}

// extractZip unpacks archive into dst. Entries escaping dst are rejected.
func extractZip(archive, dst string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	for _, f := range r.File {
		name := filepath.FromSlash(strings.TrimPrefix(f.Name, "./"))
		if name == "" || name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the target directory", f.Name)
		}
		target := filepath.Join(dst, name)

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case mode.IsRegular():
			if err := extractFile(f, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("archive entry %q has unsupported type %s", f.Name, mode.Type())
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
