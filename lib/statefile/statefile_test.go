// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	SubmissionID int64  `cbor:"submission_id"`
	Agent        string `cbor:"agent"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.cbor")
	if err := Write(path, record{SubmissionID: 7, Agent: "agent-a"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got record
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SubmissionID != 7 || got.Agent != "agent-a" {
		t.Errorf("Read = %+v", got)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("mode = %o, want 0600", mode)
	}
}

func TestWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.cbor")
	if err := Write(path, record{SubmissionID: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(path, record{SubmissionID: 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got record
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.SubmissionID != 2 {
		t.Errorf("SubmissionID = %d, want 2", got.SubmissionID)
	}
}

func TestReadMissing(t *testing.T) {
	var got record
	err := Read(filepath.Join(t.TempDir(), "absent.cbor"), &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read missing = %v, want os.ErrNotExist", err)
	}
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.cbor")
	if err := os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0600); err != nil {
		t.Fatal(err)
	}
	var got record
	err := Read(path, &got)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read corrupt = %v, want a parse error", err)
	}
}

func TestClearIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.cbor")
	if err := Clear(path); err != nil {
		t.Fatalf("Clear missing: %v", err)
	}
	if err := Write(path, record{}); err != nil {
		t.Fatal(err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present after Clear")
	}
}
