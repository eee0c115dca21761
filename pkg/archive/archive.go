// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive packs result directories into zstd-compressed tarballs.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
)

const Extension = ".tar.zst"

var (
	ErrNotDirectory = errors.New("archive: not a directory")
	ErrUnsafePath   = errors.New("archive: entry escapes destination")
)

// skipped holds suffixes of files that are already compressed.
var skipped = []string{".zst", ".gz", ".zip", ".xz", ".bz2", ".lz4"}

type Options struct {
	// Level maps 1..4 onto fastest, default, better and best compression.
	Level  int
	Logger *zap.SugaredLogger
}

type Archiver struct {
	level zstd.EncoderLevel
	log   *zap.SugaredLogger
}

func New(opts Options) *Archiver {
	level := zstd.SpeedDefault

	switch opts.Level {
	case 1:
		level = zstd.SpeedFastest
	case 3:
		level = zstd.SpeedBetterCompression
	case 4:
		level = zstd.SpeedBestCompression
	}

	return &Archiver{
		level: level,
		log:   logger.OrDefault(opts.Logger, logger.ComponentArchive),
	}
}

// ArchivePath is where CompressDirectory writes the archive of dir.
func ArchivePath(dir, dataType string) string {
	dir = filepath.Clean(dir)
	if dataType == "" {
		dataType = "general"
	}

	return dir + "_" + dataType + Extension
}

// CompressDirectory packs the regular files of dir whose base name matches
// pattern into one archive next to dir and returns its path. Files that are
// already compressed are left out. Subdirectories are only descended into when
// recursive is set. No archive is written when nothing matches.
func (a *Archiver) CompressDirectory(dir, pattern, dataType string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	if pattern == "" {
		pattern = "*"
	}

	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("archive pattern %q: %w", pattern, err)
	}

	files, err := collect(dir, pattern, recursive)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		a.log.Infow("Nothing to compress", "dir", dir, "pattern", pattern)
		return nil, nil
	}

	out := ArchivePath(dir, dataType)
	if err := a.write(out, dir, files); err != nil {
		return nil, err
	}

	a.log.Infow("Compressed directory", "dir", dir, "archive", out, "files", len(files), "data_type", dataType)

	return []string{out}, nil
}

func collect(dir, pattern string, recursive bool) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != dir && (!recursive || d.Name() == "compressed") {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || alreadyCompressed(d.Name()) {
			return nil
		}

		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive walk %s: %w", dir, err)
	}

	slices.Sort(files)

	return files, nil
}

func alreadyCompressed(name string) bool {
	return slices.ContainsFunc(skipped, func(ext string) bool {
		return strings.HasSuffix(name, ext)
	})
}

func (a *Archiver) write(out, root string, files []string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(out), filepath.Base(out)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(a.level))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	tw := tar.NewWriter(enc)

	for _, path := range files {
		if err = addFile(tw, root, path); err != nil {
			_ = enc.Close()
			return err
		}
	}

	if err = tw.Close(); err != nil {
		_ = enc.Close()
		return fmt.Errorf("close tar stream: %w", err)
	}

	if err = enc.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err = os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}

	return nil
}

func addFile(tw *tar.Writer, root, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	hdr.Name = filepath.ToSlash(rel)

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", path, err)
	}

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// Extract unpacks an archive written by CompressDirectory into dest and
// returns the extracted paths.
func Extract(archivePath, dest string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	root := filepath.Clean(dest)
	tr := tar.NewReader(dec)

	var extracted []string

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return extracted, nil
		}

		if err != nil {
			return extracted, fmt.Errorf("read archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return extracted, fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
			return extracted, err
		}

		extracted = append(extracted, target)
	}
}

func extractFile(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
