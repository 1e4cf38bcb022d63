// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Options holds the parsed "<key>=<value>" options of a backend configuration.
// Options are separated by ";", e.g.: "capacity=64MiB;queue=32".
type Options map[string]string

// ParseOptions parses a backend configuration string. Keys without a value are set to "true".
func ParseOptions(config string) (Options, error) {
	options := make(Options)
	for _, part := range strings.Split(config, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("invalid empty option name in backend configuration %q", config)
		}
		if !found {
			value = "true"
		}
		options[key] = strings.TrimSpace(value)
	}
	return options, nil
}

// Bytes parses the option key as a size in bytes (e.g.: "64MiB", "1GB", "4096").
// If the option is not set, it returns defaultValue.
func (o Options) Bytes(key string, defaultValue uint64) (uint64, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size for option %q", key)
	}
	return size, nil
}

// Int parses the option key as an int. If the option is not set, it returns defaultValue.
func (o Options) Int(key string, defaultValue int) (int, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid int for option %q", key)
	}
	return v, nil
}

// CheckKnown returns an error if any option is not in the list of known keys.
func (o Options) CheckKnown(known ...string) error {
	for key := range o {
		if !slices.Contains(known, key) {
			return errors.Errorf("unknown backend option %q, valid options are %v", key, known)
		}
	}
	return nil
}
