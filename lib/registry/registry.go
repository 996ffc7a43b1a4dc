// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry records agents and the model submissions they
// report, and answers the queries the model selector and the bus
// handlers need.
//
// [Registry] is the facade the coordinator consumes. Each method is
// atomic on its own; callers must not assume consistency between two
// separate calls. [Store] is the SQLite implementation.
package registry

import (
	"context"
	"fmt"
	"time"
)

// Registry is the model registry facade.
type Registry interface {
	// NewestSubmissionPerAgent returns the most recent submission of
	// every agent that has one, ordered by agent name.
	NewestSubmissionPerAgent(ctx context.Context) ([]Submission, error)

	// AgentsExcept returns every registered agent other than agent,
	// ordered by name.
	AgentsExcept(ctx context.Context, agent string) ([]string, error)

	// InsertSubmission records a new submission and returns it with
	// its assigned id and timestamp.
	InsertSubmission(ctx context.Context, submission NewSubmission) (Submission, error)

	// InsertAgent registers agent. Registering an existing agent is
	// not an error; created reports whether a row was added.
	InsertAgent(ctx context.Context, agent string) (created bool, err error)

	// LookupAgent returns the agent and true, or false when it is not
	// registered.
	LookupAgent(ctx context.Context, agent string) (Agent, bool, error)
}

// Agent is a registered training agent.
type Agent struct {
	Name         string
	RegisteredAt time.Time
}

// NewSubmission is the input to InsertSubmission.
type NewSubmission struct {
	Agent      string
	Filename   string
	RewardMean float64
	RewardStd  float64
	Score      float64
}

// Submission is one recorded (file, metrics) report. Submissions are
// immutable.
type Submission struct {
	ID          int64     `json:"id" cbor:"id"`
	Agent       string    `json:"agent" cbor:"agent"`
	Filename    string    `json:"filename" cbor:"filename"`
	RewardMean  float64   `json:"reward_mean" cbor:"reward_mean"`
	RewardStd   float64   `json:"reward_std" cbor:"reward_std"`
	Score       float64   `json:"score" cbor:"score"`
	SubmittedAt time.Time `json:"submitted_at" cbor:"submitted_at"`
}

// Weights are the coefficients of the model score.
type Weights struct {
	Mean float64 `yaml:"mean_weight"`
	Std  float64 `yaml:"std_weight"`
}

// DefaultWeights ranks by mean reward minus one standard deviation.
func DefaultWeights() Weights {
	return Weights{Mean: 1, Std: 1}
}

// Score ranks a submission: higher mean reward is better, higher
// variability is worse.
func (w Weights) Score(rewardMean, rewardStd float64) float64 {
	return rewardMean*w.Mean - rewardStd*w.Std
}

// Error wraps a failed registry operation. It is returned to the
// immediate caller only.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
