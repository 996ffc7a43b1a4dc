// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRecognizedCommands(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Inbound
	}{
		{
			name:    "test result",
			payload: "TestResultat|agent-a_0001.zip|0.74|0.02",
			want:    TestResult{Filename: "agent-a_0001.zip", RewardMean: 0.74, RewardStd: 0.02},
		},
		{
			name:    "test result with whitespace and newline",
			payload: "TestResultat| model.zip | -1.5 | 0 \n",
			want:    TestResult{Filename: "model.zip", RewardMean: -1.5, RewardStd: 0},
		},
		{
			name:    "loop started without fields",
			payload: "LoopStarted",
			want:    LoopStarted{},
		},
		{
			name:    "loop stopped with detail",
			payload: "LoopStopped|iteration|400",
			want:    LoopStopped{Detail: []string{"iteration", "400"}},
		},
		{
			name:    "new user",
			payload: "NewUser|agent-c",
			want:    NewUser{Agent: "agent-c"},
		},
		{
			name:    "unknown command",
			payload: "put|agent-a_0001.zip.",
			want:    Unknown{Name: "put", Fields: []string{"agent-a_0001.zip."}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse(test.payload)
			if err != nil {
				t.Fatalf("Parse(%q): %v", test.payload, err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("Parse(%q) = %#v, want %#v", test.payload, got, test.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	payloads := []string{
		"",
		"   ",
		"TestResultat|onlyonefield",
		"TestResultat|model.zip|0.7",
		"TestResultat|model.zip|0.7|0.1|extra",
		"TestResultat||0.7|0.1",
		"TestResultat|model.zip|high|0.1",
		"TestResultat|model.zip|0.7|NaN",
		"TestResultat|model.zip|+Inf|0.1",
		"NewUser",
		"NewUser|",
		"NewUser|  ",
	}
	for _, payload := range payloads {
		_, err := Parse(payload)
		var malformed *MalformedError
		if !errors.As(err, &malformed) {
			t.Errorf("Parse(%q) error = %v, want *MalformedError", payload, err)
		}
	}
}

func TestMalformedErrorNamesCommand(t *testing.T) {
	_, err := Parse("TestResultat|onlyonefield")
	want := `malformed TestResultat message "TestResultat|onlyonefield": want 3 fields (filename, reward mean, reward std), got 1`
	if err == nil || err.Error() != want {
		t.Errorf("error = %v, want %q", err, want)
	}
}

func TestEncodeOutbound(t *testing.T) {
	tests := []struct {
		command Outbound
		want    string
	}{
		{NewModel{File: "best_model.zip"}, "NewModel|best_model.zip"},
		{StopTrain{}, "StopTrain|"},
		{
			Setup{Hyperparameters{MaxIterations: 400, Seed: 42, TestMaxIterations: 50, TestSeed: 7, DistributionFile: "best_model.zip"}},
			"Setup|400|42|50|7|best_model.zip",
		},
	}
	for _, test := range tests {
		if got := test.command.Encode(); got != test.want {
			t.Errorf("%T.Encode() = %q, want %q", test.command, got, test.want)
		}
	}
}
