// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the text command protocol spoken between the
// coordinator and training agents over the message bus.
//
// Every message is a single line of pipe-separated fields:
//
//	command|field1|field2|...
//
// Inbound messages (agent to coordinator) parse into the closed set of
// [Inbound] variants: [TestResult], [LoopStarted], [LoopStopped],
// [NewUser], and [Unknown] for any command name the coordinator does
// not recognize. Consumers dispatch with a type switch; adding a command
// means adding a variant and a case.
//
// Outbound messages (coordinator to agents) are the [Outbound]
// variants [NewModel], [StopTrain] and [Setup], encoded with Encode.
//
// [Topics] captures the topic layout: one command topic per agent, one
// broadcast topic, and inbound topics whose first segment names the
// sending agent. [Sender] combines Topics with a fire-and-forget
// [Publisher].
package protocol
