// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modelstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Status classifies the outcome of Resolve.
type Status int

const (
	// Available: the file exists and is a regular file.
	Available Status = iota
	// NotYetAvailable: the file does not exist yet. It may still be
	// in transit.
	NotYetAvailable
	// Unavailable: the file can never be used as is (invalid name or
	// not a regular file).
	Unavailable
	// Inaccessible: the file could not be inspected (permissions, I/O
	// error). A later attempt may succeed.
	Inaccessible
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case NotYetAvailable:
		return "not_yet_available"
	case Unavailable:
		return "unavailable"
	case Inaccessible:
		return "inaccessible"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Resolution is the result of Resolve. Err is set for Unavailable and
// Inaccessible.
type Resolution struct {
	Status Status
	Path   string
	Err    error
}

// Digest is a BLAKE3-256 digest of a model file.
type Digest [32]byte

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Distribution describes a file published to the distribution path.
type Distribution struct {
	Path   string
	Digest Digest
	Size   int64
}

// Config holds the directories of a Store.
type Config struct {
	// Root is the per-agent store directory. Required.
	Root string

	// DistributionDir and DistributionFile name the published best
	// model. Both required.
	DistributionDir  string
	DistributionFile string

	// ArchiveDir, when set, receives a zstd copy of every distributed
	// model named by its digest.
	ArchiveDir string

	Logger *slog.Logger
}

// Store manages model files on local disk.
type Store struct {
	root             string
	distributionDir  string
	distributionFile string
	archiveDir       string
	logger           *slog.Logger
}

// New validates cfg and creates the store, distribution and archive
// directories if they are missing.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("modelstore: Root is required")
	}
	if cfg.DistributionDir == "" || cfg.DistributionFile == "" {
		return nil, fmt.Errorf("modelstore: DistributionDir and DistributionFile are required")
	}
	if err := validName(cfg.DistributionFile); err != nil {
		return nil, fmt.Errorf("modelstore: distribution file: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, directory := range []string{cfg.Root, cfg.DistributionDir, cfg.ArchiveDir} {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0755); err != nil {
			return nil, fmt.Errorf("modelstore: creating %s: %w", directory, err)
		}
	}
	return &Store{
		root:             cfg.Root,
		distributionDir:  cfg.DistributionDir,
		distributionFile: cfg.DistributionFile,
		archiveDir:       cfg.ArchiveDir,
		logger:           logger,
	}, nil
}

// DistributionFile is the file name agents are told to fetch.
func (s *Store) DistributionFile() string {
	return s.distributionFile
}

// DistributionPath is the full path of the published best model.
func (s *Store) DistributionPath() string {
	return filepath.Join(s.distributionDir, s.distributionFile)
}

// Path returns <root>/<agent>/<filename> after checking that neither
// component can escape the store.
func (s *Store) Path(agent, filename string) (string, error) {
	if err := validName(agent); err != nil {
		return "", fmt.Errorf("agent %q: %w", agent, err)
	}
	if err := validName(filename); err != nil {
		return "", fmt.Errorf("filename %q: %w", filename, err)
	}
	return filepath.Join(s.root, agent, filename), nil
}

// Resolve locates an agent's model file.
func (s *Store) Resolve(agent, filename string) Resolution {
	path, err := s.Path(agent, filename)
	if err != nil {
		return Resolution{Status: Unavailable, Err: err}
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Resolution{Status: NotYetAvailable, Path: path}
	case err != nil:
		return Resolution{Status: Inaccessible, Path: path, Err: err}
	case !info.Mode().IsRegular():
		return Resolution{Status: Unavailable, Path: path, Err: fmt.Errorf("%s is not a regular file", path)}
	}
	return Resolution{Status: Available, Path: path}
}

// Place copies source into the agent's store directory under filename
// and returns the destination path. An existing file of the same name
// is replaced.
func (s *Store) Place(source, agent, filename string) (string, error) {
	destination, err := s.Path(agent, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return "", fmt.Errorf("creating agent directory: %w", err)
	}
	if _, err := copyAtomic(source, destination, nil); err != nil {
		return "", err
	}
	return destination, nil
}

// Distribute publishes source as the distribution file, replacing the
// previous one, and returns its digest.
func (s *Store) Distribute(source string) (Distribution, error) {
	destination := s.DistributionPath()
	hasher := blake3.New()
	size, err := copyAtomic(source, destination, hasher)
	if err != nil {
		return Distribution{}, err
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return Distribution{Path: destination, Digest: digest, Size: size}, nil
}

// Archive stores a zstd-compressed copy of source as
// <archive dir>/<digest>.zst. It returns "" without error when no
// archive directory is configured, and skips the copy when the archive
// already holds that digest.
func (s *Store) Archive(source string, digest Digest) (string, error) {
	if s.archiveDir == "" {
		return "", nil
	}
	destination := filepath.Join(s.archiveDir, digest.String()+".zst")
	if _, err := os.Stat(destination); err == nil {
		return destination, nil
	}

	input, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("opening %s for archive: %w", source, err)
	}
	defer input.Close()

	err = writeAtomic(destination, func(output io.Writer) error {
		encoder, err := zstd.NewWriter(output, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if _, err := io.Copy(encoder, input); err != nil {
			encoder.Close()
			return err
		}
		return encoder.Close()
	})
	if err != nil {
		return "", fmt.Errorf("archiving %s: %w", source, err)
	}
	s.logger.Info("model archived", "source", source, "archive", destination)
	return destination, nil
}

// copyAtomic copies source to destination through a temporary file in
// the destination directory. When sum is non-nil it sees every byte.
func copyAtomic(source, destination string, sum hash.Hash) (int64, error) {
	input, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", source, err)
	}
	defer input.Close()

	var size int64
	err = writeAtomic(destination, func(output io.Writer) error {
		if sum != nil {
			output = io.MultiWriter(output, sum)
		}
		written, err := io.Copy(output, input)
		size = written
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("copying %s to %s: %w", source, destination, err)
	}
	return size, nil
}

func writeAtomic(destination string, write func(io.Writer) error) error {
	temporary, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.tmp")
	if err != nil {
		return err
	}
	temporaryPath := temporary.Name()
	if err := write(temporary); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Chmod(temporaryPath, 0644); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Rename(temporaryPath, destination); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}

func validName(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case name == "." || name == "..":
		return errors.New("reserved name")
	case strings.ContainsAny(name, `/\`):
		return errors.New("contains a path separator")
	case strings.ContainsRune(name, 0):
		return errors.New("contains a NUL byte")
	}
	return nil
}
