// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the freeflow client configuration from YAML.
//
// The file is named by the --config flag ([LoadFile]) or the
// FREEFLOW_CONFIG environment variable ([Load]). There is no search
// path. Values absent from the file keep the [Default] value, so a
// minimal file only names the local identity and the relay URL.
//
// After loading, ${HOME}, ${FREEFLOW_DATA} and ${VAR:-default}
// patterns in path fields are expanded. No other environment variable
// overrides a config value.
package config
