// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
)

type fakeOnboarder struct {
	mu     sync.Mutex
	agents []string
	err    error
}

func (f *fakeOnboarder) Onboard(ctx context.Context, agent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agent)
	return f.err
}

func newDispatcher(t *testing.T) (*Dispatcher, *registry.Store, *fakeOnboarder) {
	t.Helper()
	store, err := registry.OpenStore(registry.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "registry.db"),
		Clock:  clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	onboarder := &fakeOnboarder{}
	return &Dispatcher{
		Registry:  store,
		Onboarder: onboarder,
		Topics:    protocol.DefaultTopics(),
		Weights:   registry.Weights{Mean: 2, Std: 0.5},
		Logger:    slog.New(slog.DiscardHandler),
	}, store, onboarder
}

func handle(t *testing.T, d *Dispatcher, topic, payload string) {
	t.Helper()
	if err := d.Handle(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Handle(%q, %q): %v", topic, payload, err)
	}
}

func submissions(t *testing.T, store *registry.Store) []registry.Submission {
	t.Helper()
	result, err := store.NewestSubmissionPerAgent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestTestResultRecordsSubmission(t *testing.T) {
	d, store, _ := newDispatcher(t)
	handle(t, d, "agent-a/Results", "TestResultat|agent-a_1.zip|0.8|0.2")

	got := submissions(t, store)
	if len(got) != 1 {
		t.Fatalf("got %d submissions, want 1", len(got))
	}
	submission := got[0]
	if submission.Agent != "agent-a" || submission.Filename != "agent-a_1.zip" {
		t.Errorf("submission = %+v", submission)
	}
	if submission.Score != 1.5 {
		t.Errorf("score = %v, want 1.5 (0.8*2 - 0.2*0.5)", submission.Score)
	}
}

func TestMalformedMessageDoesNotBlockNext(t *testing.T) {
	d, store, _ := newDispatcher(t)
	handle(t, d, "agent-a/Results", "TestResultat|onlyonefield")
	handle(t, d, "agent-a/Results", "TestResultat|agent-a_1.zip|abc|0.1")
	if got := submissions(t, store); len(got) != 0 {
		t.Fatalf("malformed messages created submissions: %+v", got)
	}

	handle(t, d, "agent-a/Results", "TestResultat|agent-a_2.zip|0.5|0.0")
	got := submissions(t, store)
	if len(got) != 1 || got[0].Filename != "agent-a_2.zip" {
		t.Fatalf("submissions = %+v, want agent-a_2.zip", got)
	}
}

func TestIgnoredTopicsAndCommands(t *testing.T) {
	d, store, onboarder := newDispatcher(t)
	for _, message := range []struct{ topic, payload string }{
		{"agent-a/Commands", "TestResultat|agent-a_1.zip|0.5|0.1"},
		{"agent-a/Results/extra", "TestResultat|agent-a_1.zip|0.5|0.1"},
		{"agent-a/Results", "LoopStarted|42"},
		{"agent-a/Results", "LoopStopped"},
		{"agent-a/Results", "Dance|now"},
		{"agent-a/Results", ""},
	} {
		handle(t, d, message.topic, message.payload)
	}
	if got := submissions(t, store); len(got) != 0 {
		t.Errorf("submissions = %+v, want none", got)
	}
	if len(onboarder.agents) != 0 {
		t.Errorf("onboarded %v, want none", onboarder.agents)
	}
}

func TestNewUserOnboards(t *testing.T) {
	d, _, onboarder := newDispatcher(t)
	handle(t, d, "agent-b/Results", "NewUser|agent-b")
	if want := []string{"agent-b"}; !reflect.DeepEqual(onboarder.agents, want) {
		t.Errorf("onboarded %v, want %v", onboarder.agents, want)
	}
}

func TestOnboardFailureIsReturned(t *testing.T) {
	d, _, onboarder := newDispatcher(t)
	onboarder.err = errors.New("registry unavailable")
	if err := d.Handle(context.Background(), "agent-b/Results", []byte("NewUser|agent-b")); err == nil {
		t.Fatal("Handle swallowed the onboarding failure")
	}
}

func TestConcurrentResults(t *testing.T) {
	d, store, _ := newDispatcher(t)
	var wg sync.WaitGroup
	for _, agent := range []string{"agent-a", "agent-b", "agent-c", "agent-d"} {
		for i := range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				payload := "TestResultat|" + agent + "_" + strconv.Itoa(i) + ".zip|0.5|0.1"
				if err := d.Handle(context.Background(), agent+"/Results", []byte(payload)); err != nil {
					t.Errorf("Handle: %v", err)
				}
			}()
		}
	}
	wg.Wait()
	if got := submissions(t, store); len(got) != 4 {
		t.Errorf("got %d agents with submissions, want 4", len(got))
	}
}
