// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the coordinator's YAML configuration.
//
// The file is given explicitly, by the --config flag or the
// MODELFLEET_CONFIG environment variable. There is no discovery and no
// layering beyond [Default]: every value not present in the file keeps
// its default.
//
// After decoding, path and credential fields expand ${VAR} and
// ${VAR:-default} references against the environment, so a checked-in
// file can take the broker password from a secret:
//
//	broker:
//	  address: tls://broker.internal:8883
//	  username: coordinator
//	  password: ${MODELFLEET_BROKER_PASSWORD}
//
// Validate reports every problem at once as a [*ConfigError].
package config
