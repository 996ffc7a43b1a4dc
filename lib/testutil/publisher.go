// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "sync"

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload string
}

// Recorder is an in-memory bus publisher. It satisfies
// protocol.Publisher and records every publish in order. When
// Published is non-nil each message is also sent on it (blocking), so
// tests can wait for a specific publish.
type Recorder struct {
	Published chan Message

	mu       sync.Mutex
	messages []Message
}

// NewRecorder returns a Recorder with a buffered Published channel.
func NewRecorder() *Recorder {
	return &Recorder{Published: make(chan Message, 64)}
}

// Publish records the message.
func (r *Recorder) Publish(topic string, payload []byte) {
	message := Message{Topic: topic, Payload: string(payload)}
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
	if r.Published != nil {
		r.Published <- message
	}
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Topics returns the topics of everything published so far.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, len(r.messages))
	for i, message := range r.messages {
		topics[i] = message.Topic
	}
	return topics
}
