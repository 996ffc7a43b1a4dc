// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Separator splits a message into its command name and fields.
const Separator = "|"

// Wire names of the recognized commands.
const (
	CommandTestResult  = "TestResultat"
	CommandLoopStarted = "LoopStarted"
	CommandLoopStopped = "LoopStopped"
	CommandNewUser     = "NewUser"
	CommandNewModel    = "NewModel"
	CommandStopTrain   = "StopTrain"
	CommandSetup       = "Setup"
)

// Inbound is a parsed agent-to-coordinator message. The set of
// implementations is closed to this package.
type Inbound interface {
	inbound()
}

// TestResult reports the evaluation of a model file the agent uploaded.
type TestResult struct {
	Filename   string
	RewardMean float64
	RewardStd  float64
}

// LoopStarted is telemetry: the agent's training loop started. Detail
// holds any trailing fields verbatim.
type LoopStarted struct {
	Detail []string
}

// LoopStopped is telemetry: the agent's training loop stopped.
type LoopStopped struct {
	Detail []string
}

// NewUser announces an agent joining the fleet.
type NewUser struct {
	Agent string
}

// Unknown carries a command name the coordinator does not recognize.
type Unknown struct {
	Name   string
	Fields []string
}

func (TestResult) inbound()  {}
func (LoopStarted) inbound() {}
func (LoopStopped) inbound() {}
func (NewUser) inbound()     {}
func (Unknown) inbound()     {}

// MalformedError reports a payload that names a recognized command but
// cannot be parsed. Only that message is affected; callers drop it and
// keep listening.
type MalformedError struct {
	Command string
	Payload string
	Reason  string
}

func (e *MalformedError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("malformed message %q: %s", e.Payload, e.Reason)
	}
	return fmt.Sprintf("malformed %s message %q: %s", e.Command, e.Payload, e.Reason)
}

// Parse decodes one inbound payload. Unrecognized command names return
// an Unknown value and no error. A payload without a separator is a
// command with no fields.
func Parse(payload string) (Inbound, error) {
	payload = strings.TrimRight(payload, "\r\n")
	if strings.TrimSpace(payload) == "" {
		return nil, &MalformedError{Payload: payload, Reason: "empty payload"}
	}

	name, rest, hasFields := strings.Cut(payload, Separator)
	var fields []string
	if hasFields {
		fields = strings.Split(rest, Separator)
	}
	malformed := func(format string, args ...any) error {
		return &MalformedError{Command: name, Payload: payload, Reason: fmt.Sprintf(format, args...)}
	}

	switch name {
	case CommandTestResult:
		if len(fields) != 3 {
			return nil, malformed("want 3 fields (filename, reward mean, reward std), got %d", len(fields))
		}
		filename := strings.TrimSpace(fields[0])
		if filename == "" {
			return nil, malformed("empty filename")
		}
		mean, err := parseReward(fields[1])
		if err != nil {
			return nil, malformed("reward mean: %v", err)
		}
		std, err := parseReward(fields[2])
		if err != nil {
			return nil, malformed("reward std: %v", err)
		}
		return TestResult{Filename: filename, RewardMean: mean, RewardStd: std}, nil

	case CommandLoopStarted:
		return LoopStarted{Detail: fields}, nil

	case CommandLoopStopped:
		return LoopStopped{Detail: fields}, nil

	case CommandNewUser:
		if len(fields) < 1 || strings.TrimSpace(fields[0]) == "" {
			return nil, malformed("missing agent id")
		}
		return NewUser{Agent: strings.TrimSpace(fields[0])}, nil

	default:
		return Unknown{Name: name, Fields: fields}, nil
	}
}

func parseReward(field string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("not a finite number: %q", field)
	}
	return value, nil
}

// Outbound is a coordinator-to-agent command.
type Outbound interface {
	// Encode returns the wire form of the command.
	Encode() string
}

// NewModel tells an agent to resume training from the model file
// published at File.
type NewModel struct {
	File string
}

// StopTrain tells agents to stop their training loop.
type StopTrain struct{}

// Setup starts (or restarts) training with the given hyperparameters.
type Setup struct {
	Hyperparameters
}

// Hyperparameters are the round settings pushed to every agent.
type Hyperparameters struct {
	MaxIterations     int    `yaml:"max_iterations" json:"max_iterations"`
	Seed              int    `yaml:"seed" json:"seed"`
	TestMaxIterations int    `yaml:"test_max_iterations" json:"test_max_iterations"`
	TestSeed          int    `yaml:"test_seed" json:"test_seed"`
	DistributionFile  string `yaml:"-" json:"distribution_file"`
}

func (c NewModel) Encode() string {
	return CommandNewModel + Separator + c.File
}

// Encode keeps the trailing separator agents expect.
func (StopTrain) Encode() string {
	return CommandStopTrain + Separator
}

func (c Setup) Encode() string {
	return strings.Join([]string{
		CommandSetup,
		strconv.Itoa(c.MaxIterations),
		strconv.Itoa(c.Seed),
		strconv.Itoa(c.TestMaxIterations),
		strconv.Itoa(c.TestSeed),
		c.DistributionFile,
	}, Separator)
}
