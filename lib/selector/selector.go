// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/modelstore"
	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
	"github.com/bureau-foundation/modelfleet/lib/statefile"
)

// ErrNotYetAvailable is returned (wrapped) when the candidate's file
// did not appear within the grace period. It is transient: the next
// tick retries.
var ErrNotYetAvailable = errors.New("model file not yet available")

// ErrUnusable is returned (wrapped) when the candidate's file can never
// be distributed. The submission is excluded from later ticks.
var ErrUnusable = errors.New("model file unusable")

// ErrInaccessible is returned (wrapped) when the candidate's file could
// not be inspected. The next tick retries.
var ErrInaccessible = errors.New("model file inaccessible")

// BestModel is the submission currently distributed to the fleet.
type BestModel struct {
	Submission registry.Submission `json:"submission" cbor:"submission"`
	Digest     string              `json:"digest" cbor:"digest"`
	Size       int64               `json:"size" cbor:"size"`
	PromotedAt time.Time           `json:"promoted_at" cbor:"promoted_at"`
}

// Config holds the dependencies and tunables of a Selector.
type Config struct {
	Registry registry.Registry
	Store    *modelstore.Store
	Sender   *protocol.Sender
	Clock    clock.Clock
	Logger   *slog.Logger

	// Interval between ticks. Required.
	Interval time.Duration

	// ThresholdPercent is the relative improvement a candidate needs
	// over the current best.
	ThresholdPercent float64

	// FileGrace is the single wait for a candidate whose file has not
	// arrived yet.
	FileGrace time.Duration

	// StatePath persists the BestModel across restarts when set.
	StatePath string
}

// Selector runs the selection loop. Create it with New.
type Selector struct {
	registry  registry.Registry
	store     *modelstore.Store
	sender    *protocol.Sender
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	threshold float64
	fileGrace time.Duration
	statePath string

	nudge chan struct{}

	mu       sync.Mutex
	best     *BestModel
	unusable map[int64]struct{}
}

// New validates cfg and returns a Selector with no best model.
func New(cfg Config) (*Selector, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("selector: Registry is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("selector: Store is required")
	case cfg.Sender == nil:
		return nil, fmt.Errorf("selector: Sender is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("selector: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("selector: Logger is required")
	case cfg.Interval <= 0:
		return nil, fmt.Errorf("selector: Interval must be positive")
	case cfg.ThresholdPercent < 0:
		return nil, fmt.Errorf("selector: ThresholdPercent must not be negative")
	}
	return &Selector{
		registry:  cfg.Registry,
		store:     cfg.Store,
		sender:    cfg.Sender,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		threshold: cfg.ThresholdPercent,
		fileGrace: cfg.FileGrace,
		statePath: cfg.StatePath,
		nudge:     make(chan struct{}, 1),
		unusable:  make(map[int64]struct{}),
	}, nil
}

// Restore loads the persisted BestModel, if any.
func (s *Selector) Restore() error {
	if s.statePath == "" {
		return nil
	}
	var best BestModel
	err := statefile.Read(s.statePath, &best)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restoring best model: %w", err)
	}
	s.mu.Lock()
	s.best = &best
	s.mu.Unlock()
	s.logger.Info("best model restored",
		"agent", best.Submission.Agent,
		"filename", best.Submission.Filename,
		"score", best.Submission.Score,
		"digest", best.Digest,
	)
	return nil
}

// Reset forgets the current best model and removes the persisted
// state, so the next candidate is promoted without the threshold gate.
func (s *Selector) Reset() error {
	if s.statePath != "" {
		if err := statefile.Clear(s.statePath); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.best = nil
	s.mu.Unlock()
	s.logger.Info("best model reset")
	return nil
}

// Nudge asks a running loop to tick now instead of waiting for the
// next interval. It never blocks.
func (s *Selector) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Best returns a copy of the current best model.
func (s *Selector) Best() (BestModel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil {
		return BestModel{}, false
	}
	return *s.best, true
}

// Run ticks immediately and then every Interval until ctx is cancelled.
// A failing tick is logged and never ends the loop.
func (s *Selector) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("model selector running", "interval", s.interval, "threshold_percent", s.threshold)
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("model selector stopped")
			return
		case <-ticker.C:
		case <-s.nudge:
		}
	}
}

func (s *Selector) tick(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("model selection panicked", "panic", recovered)
		}
	}()

	err := s.SelectAndPublish(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, ErrNotYetAvailable), errors.Is(err, ErrInaccessible):
		s.logger.Warn("best model candidate not promoted, retrying next tick", "error", err)
	default:
		s.logger.Error("model selection failed", "error", err)
	}
}

// SelectAndPublish performs one selection. It returns nil when nothing
// needed doing.
func (s *Selector) SelectAndPublish(ctx context.Context) error {
	submissions, err := s.registry.NewestSubmissionPerAgent(ctx)
	if err != nil {
		return err
	}
	submissions = s.usable(submissions)

	if len(submissions) == 0 {
		s.logger.Debug("no submissions to compare")
		return nil
	}
	candidate := highestScore(submissions)

	// Only the first promotion skips the threshold gate.
	best, hasBest := s.Best()
	bootstrap := !hasBest
	if hasBest && best.Submission.ID == candidate.ID {
		s.logger.Debug("best model unchanged", "agent", candidate.Agent, "filename", candidate.Filename)
		return nil
	}
	if hasBest {
		required := best.Submission.Score * (1 + s.threshold/100)
		if candidate.Score < required {
			s.logger.Info("candidate rejected: improvement below threshold",
				"agent", candidate.Agent,
				"filename", candidate.Filename,
				"score", candidate.Score,
				"best_score", best.Submission.Score,
				"required_score", required,
				"threshold_percent", s.threshold,
			)
			return nil
		}
	}
	return s.promote(ctx, candidate, bootstrap)
}

func (s *Selector) promote(ctx context.Context, candidate registry.Submission, bootstrap bool) error {
	resolution := s.store.Resolve(candidate.Agent, candidate.Filename)
	if resolution.Status == modelstore.NotYetAvailable {
		s.logger.Info("candidate model file not present yet, waiting",
			"agent", candidate.Agent,
			"filename", candidate.Filename,
			"grace", s.fileGrace,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.fileGrace):
		}
		resolution = s.store.Resolve(candidate.Agent, candidate.Filename)
	}

	switch resolution.Status {
	case modelstore.NotYetAvailable:
		return fmt.Errorf("%w: %s (submission %d from %s)", ErrNotYetAvailable, resolution.Path, candidate.ID, candidate.Agent)
	case modelstore.Inaccessible:
		return fmt.Errorf("%w: submission %d from %s: %v", ErrInaccessible, candidate.ID, candidate.Agent, resolution.Err)
	case modelstore.Unavailable:
		s.mu.Lock()
		s.unusable[candidate.ID] = struct{}{}
		s.mu.Unlock()
		return fmt.Errorf("%w: submission %d from %s: %v", ErrUnusable, candidate.ID, candidate.Agent, resolution.Err)
	}

	recipients, err := s.registry.AgentsExcept(ctx, candidate.Agent)
	if err != nil {
		return fmt.Errorf("listing broadcast recipients: %w", err)
	}

	distribution, err := s.store.Distribute(resolution.Path)
	if err != nil {
		return fmt.Errorf("distributing submission %d: %w", candidate.ID, err)
	}
	if _, err := s.store.Archive(resolution.Path, distribution.Digest); err != nil {
		s.logger.Warn("archiving promoted model failed", "path", resolution.Path, "error", err)
	}

	command := protocol.NewModel{File: s.store.DistributionFile()}
	for _, agent := range recipients {
		s.sender.SendTo(agent, command)
	}

	best := BestModel{
		Submission: candidate,
		Digest:     distribution.Digest.String(),
		Size:       distribution.Size,
		PromotedAt: s.clock.Now().UTC(),
	}
	s.mu.Lock()
	s.best = &best
	s.mu.Unlock()

	s.logger.Info("best model promoted",
		"agent", candidate.Agent,
		"filename", candidate.Filename,
		"score", candidate.Score,
		"digest", best.Digest,
		"size", best.Size,
		"recipients", len(recipients),
		"bootstrap", bootstrap,
	)

	if s.statePath != "" {
		if err := statefile.Write(s.statePath, best); err != nil {
			s.logger.Error("persisting best model failed", "path", s.statePath, "error", err)
		}
	}
	return nil
}

// usable drops submissions previously found unusable.
func (s *Selector) usable(submissions []registry.Submission) []registry.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unusable) == 0 {
		return submissions
	}
	kept := submissions[:0:0]
	for _, submission := range submissions {
		if _, skip := s.unusable[submission.ID]; !skip {
			kept = append(kept, submission)
		}
	}
	return kept
}

// highestScore returns the first submission with the maximum score.
func highestScore(submissions []registry.Submission) registry.Submission {
	best := submissions[0]
	for _, submission := range submissions[1:] {
		if submission.Score > best.Score {
			best = submission
		}
	}
	return best
}
