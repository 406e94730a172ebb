// Package bundle seals a directory tree into one compressed tar stream and
// extracts it back. Rotation uses it to fold a period's working set into a
// single archive object.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mailvault/mailvault/cmd/compressors"
)

// ErrUnsafePath is returned when an archive member would escape the
// extraction root.
var ErrUnsafePath = errors.New("archive member has unsafe path")

// ArchiveName returns the canonical object name for a period's sealed
// archive, e.g. "mail-2021.tar.zst".
func ArchiveName(period int, comp compressors.Compressor) string {
	return fmt.Sprintf("mail-%d.tar%s", period, comp.Extension())
}

// ArchivePrefix returns the remote folder holding a period's sealed archive.
func ArchivePrefix(period int) string {
	return fmt.Sprintf("%d/_archives", period)
}

// ArchivePath returns the full remote path of a period's sealed archive.
func ArchivePath(period int, comp compressors.Compressor) string {
	return ArchivePrefix(period) + "/" + ArchiveName(period, comp)
}

// Seal writes root's file tree to dst as a compressed tar stream. Member
// names are relative to root so extraction recreates the same layout.
func Seal(dst io.Writer, root string, comp compressors.Compressor, level int) error {
	wc, err := comp.NewWriter(dst, level)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(wc)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to build header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", rel, err)
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		wc.Close()
		return walkErr
	}

	if err := tw.Close(); err != nil {
		wc.Close()
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finalize compressed stream: %w", err)
	}
	return nil
}

// Extract unpacks a compressed tar stream into dst, rejecting members that
// would escape it.
func Extract(src io.Reader, comp compressors.Compressor, dst string) error {
	rc, err := comp.OpenReader(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(dst, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by archive contents we sealed
				f.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not produced by Seal; skip them
			continue
		}
	}
}
