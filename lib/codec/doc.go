// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration shared by modelfleet's
// on-disk state. The encoder uses Core Deterministic Encoding (RFC 8949
// section 4.2), so the same value always produces the same bytes.
// Wire traffic to agents stays in the pipe-delimited text protocol of
// lib/protocol; CBOR never leaves the coordinator host.
package codec
