// Package snapshot downloads and unpacks the build files of resolved
// packages, either from snapshot tarballs or from the package git
// repositories.
package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/storage"
)

// Fetcher opens the snapshot tarball of a record. *aur.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, r *aur.Record) (io.ReadCloser, error)
}

// ErrUnsafePath is returned for an archive member that would land outside
// the destination directory.
var ErrUnsafePath = errors.New("snapshot: archive path escapes destination")

// Downloader fetches snapshot tarballs and extracts them into a directory.
type Downloader struct {
	fetcher     Fetcher
	archive     storage.Storage
	copyBufPool *sync.Pool
}

// NewDownloader returns a Downloader. When archive is not nil, tarballs are
// kept there and reused for the same package version.
func NewDownloader(fetcher Fetcher, archive storage.Storage) *Downloader {
	return &Downloader{
		fetcher: fetcher,
		archive: archive,
		copyBufPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 64*1024)
				return &buf
			},
		},
	}
}

// Download extracts the snapshot of every record from seq into dir and
// yields the records that were extracted. Packages sharing a base are
// extracted once. A record that cannot be fetched or unpacked is logged
// and skipped. Errors from seq are passed through.
func (d *Downloader) Download(ctx context.Context, dir string, seq iter.Seq2[aur.Record, error]) iter.Seq2[aur.Record, error] {
	return eachBase(ctx, dir, seq, d.fetch)
}

// fetchFunc places the build files of r below dir.
type fetchFunc func(ctx context.Context, dir string, r *aur.Record) error

// eachBase calls fetch once per package base in seq and yields the records
// whose base was fetched. Failures other than a cancelled context are
// logged and the record is skipped.
func eachBase(ctx context.Context, dir string, seq iter.Seq2[aur.Record, error], fetch fetchFunc) iter.Seq2[aur.Record, error] {
	return func(yield func(aur.Record, error) bool) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			yield(aur.Record{}, fmt.Errorf("create %s: %w", dir, err))
			return
		}

		done := make(map[string]struct{})
		for record, err := range seq {
			if err != nil {
				if !yield(record, err) {
					return
				}
				continue
			}

			base := packageBase(&record)
			if _, ok := done[base]; !ok {
				start := time.Now()
				if err := fetch(ctx, dir, &record); err != nil {
					if ctx.Err() != nil {
						yield(aur.Record{}, ctx.Err())
						return
					}
					log.Warn().Err(err).Str("package", record.Name).Msg("Skipping package")
					continue
				}
				done[base] = struct{}{}
				log.Info().
					Str("package", base).
					Str("version", record.Version).
					Dur("duration", time.Since(start)).
					Msg("Build files ready")
			}

			if !yield(record, nil) {
				return
			}
		}
	}
}

func packageBase(r *aur.Record) string {
	if r.PackageBase != "" {
		return r.PackageBase
	}
	return r.Name
}

// archiveKey names the stored tarball of a package version.
func archiveKey(r *aur.Record) string {
	base := packageBase(r)
	if base == "" || r.Version == "" || strings.ContainsAny(base+r.Version, `/\`) {
		return ""
	}
	return base + "-" + r.Version + ".tar.gz"
}

func (d *Downloader) fetch(ctx context.Context, dir string, r *aur.Record) error {
	key := ""
	if d.archive != nil {
		key = archiveKey(r)
	}

	if key != "" {
		reader, err := d.archive.Open(ctx, key)
		switch {
		case err == nil:
			err = d.extract(dir, reader)
			reader.Close()
			if err == nil {
				log.Debug().Str("key", key).Msg("Snapshot served from archive")
				return nil
			}
			log.Warn().Err(err).Str("key", key).Msg("Discarding unusable archived snapshot")
			if err := d.archive.Remove(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to remove archived snapshot")
			}
		case !errors.Is(err, storage.ErrNotFound):
			log.Warn().Err(err).Str("key", key).Msg("Archive read failed, downloading")
		}
	}

	body, err := d.fetcher.Download(ctx, r)
	if err != nil {
		return err
	}
	defer body.Close()

	if key == "" {
		return d.extract(dir, body)
	}

	// Keep a copy of the raw tarball while extracting.
	var raw bytes.Buffer
	tee := io.TeeReader(body, &raw)
	if err := d.extract(dir, tee); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := d.archive.Write(ctx, key, &raw, int64(raw.Len())); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to archive snapshot")
	}
	return nil
}

// extract unpacks a gzip-compressed tarball into dir. The members land in a
// staging directory first and are moved into dir only once the whole
// tarball has been read, so a failed extraction leaves dir untouched.
func (d *Downloader) extract(dir string, r io.Reader) error {
	staging, err := os.MkdirTemp(dir, ".extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := d.unpack(staging, r); err != nil {
		return err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := merge(filepath.Join(staging, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// merge moves src to dst. Directories present on both sides are merged
// member by member; anything else at dst is replaced.
func merge(src, dst string) error {
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return err
	}
	dstInfo, err := os.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return os.Rename(src, dst)
	case err != nil:
		return err
	}

	if srcInfo.IsDir() && dstInfo.IsDir() {
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := merge(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// unpack writes the members of a gzip-compressed tarball below dir. Only
// directories and regular files are created.
func (d *Downloader) unpack(dir string, r io.Reader) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := d.writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			log.Debug().Str("name", hdr.Name).Msg("Skipping non-regular archive member")
		}
	}
	return nil
}

func (d *Downloader) writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return err
	}

	bufPtr := d.copyBufPool.Get().(*[]byte)
	defer d.copyBufPool.Put(bufPtr)

	if _, err := io.CopyBuffer(f, r, *bufPtr); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return f.Close()
}

// safeJoin resolves an archive member name below dir.
func safeJoin(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	target := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}
