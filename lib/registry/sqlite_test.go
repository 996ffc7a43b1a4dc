// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/modelfleet/lib/clock"
)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	store, err := OpenStore(StoreConfig{
		Path:   filepath.Join(t.TempDir(), "registry.db"),
		Clock:  fakeClock,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, fakeClock
}

func insert(t *testing.T, store *Store, agent, filename string, mean, std float64) Submission {
	t.Helper()
	weights := DefaultWeights()
	submission, err := store.InsertSubmission(context.Background(), NewSubmission{
		Agent:      agent,
		Filename:   filename,
		RewardMean: mean,
		RewardStd:  std,
		Score:      weights.Score(mean, std),
	})
	if err != nil {
		t.Fatalf("InsertSubmission(%s, %s): %v", agent, filename, err)
	}
	return submission
}

func TestScore(t *testing.T) {
	weights := Weights{Mean: 2, Std: 0.5}
	if got := weights.Score(0.8, 0.2); got != 1.5 {
		t.Errorf("Score = %v, want 1.5", got)
	}
}

func TestInsertAgentIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	created, err := store.InsertAgent(ctx, "agent-a")
	if err != nil || !created {
		t.Fatalf("first InsertAgent = (%v, %v), want (true, nil)", created, err)
	}
	created, err = store.InsertAgent(ctx, "agent-a")
	if err != nil || created {
		t.Fatalf("second InsertAgent = (%v, %v), want (false, nil)", created, err)
	}

	agent, ok, err := store.LookupAgent(ctx, "agent-a")
	if err != nil || !ok {
		t.Fatalf("LookupAgent = (%+v, %v, %v)", agent, ok, err)
	}
	if want := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC); !agent.RegisteredAt.Equal(want) {
		t.Errorf("RegisteredAt = %v, want %v", agent.RegisteredAt, want)
	}

	_, ok, err = store.LookupAgent(ctx, "agent-z")
	if err != nil || ok {
		t.Errorf("LookupAgent(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestInsertAgentRejectsEmptyName(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.InsertAgent(context.Background(), "")
	var registryErr *Error
	if !errors.As(err, &registryErr) {
		t.Fatalf("InsertAgent(\"\") error = %v, want *Error", err)
	}
}

func TestNewestSubmissionPerAgent(t *testing.T) {
	store, fakeClock := openTestStore(t)

	insert(t, store, "agent-b", "agent-b_1.zip", 0.5, 0.1)
	fakeClock.Advance(time.Second)
	insert(t, store, "agent-a", "agent-a_1.zip", 0.6, 0.1)
	fakeClock.Advance(time.Second)
	newestB := insert(t, store, "agent-b", "agent-b_2.zip", 0.4, 0.1)
	// Same timestamp: the later id wins.
	newestA := insert(t, store, "agent-a", "agent-a_2.zip", 0.7, 0.1)

	got, err := store.NewestSubmissionPerAgent(context.Background())
	if err != nil {
		t.Fatalf("NewestSubmissionPerAgent: %v", err)
	}
	want := []Submission{newestA, newestB}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NewestSubmissionPerAgent =\n  %+v\nwant\n  %+v", got, want)
	}
}

func TestNewestSubmissionPerAgentEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	got, err := store.NewestSubmissionPerAgent(context.Background())
	if err != nil {
		t.Fatalf("NewestSubmissionPerAgent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d submissions from empty registry", len(got))
	}
}

func TestInsertSubmissionRegistersAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	insert(t, store, "agent-q", "agent-q_1.zip", 1, 0)
	if _, ok, err := store.LookupAgent(ctx, "agent-q"); err != nil || !ok {
		t.Fatalf("agent-q not registered by submission: ok=%v err=%v", ok, err)
	}
	created, err := store.InsertAgent(ctx, "agent-q")
	if err != nil || created {
		t.Errorf("InsertAgent after implicit registration = (%v, %v), want (false, nil)", created, err)
	}
}

func TestAgentsExcept(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, agent := range []string{"agent-c", "agent-a", "agent-b"} {
		if _, err := store.InsertAgent(ctx, agent); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.AgentsExcept(ctx, "agent-b")
	if err != nil {
		t.Fatalf("AgentsExcept: %v", err)
	}
	if want := []string{"agent-a", "agent-c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("AgentsExcept = %v, want %v", got, want)
	}
}

func TestConcurrentInserts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var waitGroup sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := range writers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := store.InsertAgent(ctx, "agent-shared"); err != nil {
				errs <- err
			}
			_, err := store.InsertSubmission(ctx, NewSubmission{
				Agent:    "agent-shared",
				Filename: "agent-shared_" + string(rune('a'+i)) + ".zip",
				Score:    float64(i),
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent insert: %v", err)
	}

	newest, err := store.NewestSubmissionPerAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(newest) != 1 || newest[0].Agent != "agent-shared" {
		t.Errorf("NewestSubmissionPerAgent = %+v, want one agent-shared row", newest)
	}
}
