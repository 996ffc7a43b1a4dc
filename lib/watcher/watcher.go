// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher moves model files dropped by agents into the model
// store.
//
// Agents upload finished models into a shared drop directory, named
// "<agent><separator><anything>". The watcher notices each completed
// file through inotify, waits a short settle delay, copies it to
// <store>/<agent>/<filename> and removes the original. Files already in
// the drop directory when the watcher starts are handled the same way.
package watcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/modelstore"
)

// Relocation describes one file moved into the store.
type Relocation struct {
	Agent    string
	Filename string
	Path     string
}

// Config configures a Watcher.
type Config struct {
	// Directory is the drop directory to watch. It must exist.
	Directory string

	// Separator splits the agent name from the rest of the filename.
	// Defaults to "_".
	Separator string

	// SettleDelay is waited between the inotify event and the copy.
	SettleDelay time.Duration

	Store  *modelstore.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// OnRelocated, if set, is called after each successful move. It
	// runs on the goroutine that handled the file.
	OnRelocated func(Relocation)
}

// Watcher relocates dropped files. Create with New and start with Run.
type Watcher struct {
	directory   string
	separator   string
	settleDelay time.Duration
	store       *modelstore.Store
	clock       clock.Clock
	logger      *slog.Logger
	onRelocated func(Relocation)

	ready chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	workers  sync.WaitGroup
}

// New validates cfg and returns a Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("watcher: Directory is required")
	}
	if cfg.Store == nil || cfg.Clock == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("watcher: Store, Clock and Logger are required")
	}
	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watcher: %s is not a directory", cfg.Directory)
	}
	separator := cfg.Separator
	if separator == "" {
		separator = "_"
	}
	return &Watcher{
		directory:   cfg.Directory,
		separator:   separator,
		settleDelay: cfg.SettleDelay,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		onRelocated: cfg.OnRelocated,
		ready:       make(chan struct{}),
		inFlight:    make(map[string]struct{}),
	}, nil
}

// AgentOf returns the agent encoded in filename: everything before the
// first separator. It reports false when there is no separator or the
// agent part is empty.
func AgentOf(filename, separator string) (string, bool) {
	index := strings.Index(filename, separator)
	if index <= 0 {
		return "", false
	}
	return filename[:index], true
}

// Ready is closed once Run has installed its watch and scheduled the
// files already present.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches the drop directory until ctx is cancelled. It returns nil
// on cancellation and an error if inotify cannot be set up or fails.
// In-progress relocations are allowed to finish before Run returns.
// Run must be called at most once.
func (w *Watcher) Run(ctx context.Context) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}
	defer unix.Close(fd)

	if _, err := unix.InotifyAddWatch(fd, w.directory, unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO); err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w", w.directory, err)
	}
	defer w.workers.Wait()

	// Sweep after the watch is installed so a file arriving in between
	// is seen by one path or the other.
	if err := w.sweep(ctx); err != nil {
		w.logger.Error("sweeping drop directory failed", "directory", w.directory, "error", err)
	}
	w.logger.Info("watching drop directory", "directory", w.directory, "settle_delay", w.settleDelay)
	close(w.ready)

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("polling inotify: %w", err)
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reading inotify: %w", err)
		}
		for _, name := range fileEvents(buffer[:bytesRead]) {
			w.schedule(ctx, name)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.directory)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			w.schedule(ctx, entry.Name())
		}
	}
	return nil
}

// schedule starts a relocation for name unless one is already running.
func (w *Watcher) schedule(ctx context.Context, name string) {
	if strings.HasPrefix(name, ".") {
		return
	}
	agent, ok := AgentOf(name, w.separator)
	if !ok {
		w.logger.Warn("ignoring dropped file without agent prefix",
			"filename", name,
			"separator", w.separator,
		)
		return
	}

	w.mu.Lock()
	if _, busy := w.inFlight[name]; busy {
		w.mu.Unlock()
		return
	}
	w.inFlight[name] = struct{}{}
	w.mu.Unlock()

	w.workers.Add(1)
	go func() {
		defer w.workers.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, name)
			w.mu.Unlock()
		}()
		w.relocate(ctx, agent, name)
	}()
}

func (w *Watcher) relocate(ctx context.Context, agent, name string) {
	if w.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.settleDelay):
		}
	}

	source := filepath.Join(w.directory, name)
	info, err := os.Lstat(source)
	if errors.Is(err, fs.ErrNotExist) {
		// Already moved by an earlier event for the same file.
		return
	}
	if err != nil {
		w.logger.Error("inspecting dropped file failed", "path", source, "error", err)
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	destination, err := w.store.Place(source, agent, name)
	if err != nil {
		w.logger.Error("moving model into store failed",
			"agent", agent,
			"filename", name,
			"error", err,
		)
		return
	}
	if err := os.Remove(source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("removing dropped file failed", "path", source, "error", err)
	}

	w.logger.Info("model file stored",
		"agent", agent,
		"filename", name,
		"path", destination,
		"size", info.Size(),
	)
	if w.onRelocated != nil {
		w.onRelocated(Relocation{Agent: agent, Filename: name, Path: destination})
	}
}

// fileEvents extracts the names of non-directory entries from a buffer
// of raw inotify events. Layout from inotify(7):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null-padded to alignment
//	};
func fileEvents(buffer []byte) []string {
	var names []string
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		if nameLength > 0 && mask&unix.IN_ISDIR == 0 {
			nameBytes := buffer[offset+unix.SizeofInotifyEvent : offset+eventSize]
			if name := nullTerminated(nameBytes); name != "" {
				names = append(names, name)
			}
		}
		offset += eventSize
	}
	return names
}

func nullTerminated(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
