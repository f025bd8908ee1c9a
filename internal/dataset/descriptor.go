// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package dataset tracks the lifecycle of every named dataset a dashboard
// consumes.
//
// Each dataset moves through idle -> loading -> ready|error independently of
// the others. The Store owns those records: it serializes mutations, refuses
// transitions that would regress a dataset within a cycle, merges composite
// datasets from their sources, and notifies observers of every change in
// mutation order.
package dataset

import (
	"errors"
	"fmt"

	"github.com/tomtom215/dashsync/internal/config"
)

// Class selects the refresh path and freshness policy of a dataset.
type Class string

const (
	// ClassPrimary datasets are delivered over the stream and always
	// refetched on a manual refresh.
	ClassPrimary Class = "primary"

	// ClassAuxiliary datasets are fetched directly and served from cache
	// while fresh.
	ClassAuxiliary Class = "auxiliary"
)

// Descriptor is the static definition of a dataset.
type Descriptor struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"display_name"`
	Heavy       bool     `json:"heavy"`
	Class       Class    `json:"class"`
	Sources     []string `json:"sources,omitempty"`
	Path        string   `json:"-"`
}

// IsComposite reports whether the dataset is derived from other datasets
// rather than fetched.
func (d Descriptor) IsComposite() bool {
	return len(d.Sources) > 0
}

// Streamed reports whether the dataset is requested over the stream.
func (d Descriptor) Streamed() bool {
	return d.Class != ClassAuxiliary && !d.IsComposite()
}

var (
	// ErrUnknownDataset is returned for keys without a descriptor.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrNoDatasets is returned when a descriptor set is empty.
	ErrNoDatasets = errors.New("no datasets declared")
)

// DescriptorsFromConfig converts configured datasets to descriptors.
func DescriptorsFromConfig(cfgs []config.DatasetConfig) []Descriptor {
	out := make([]Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		class := Class(c.Class)
		if class == "" {
			class = ClassPrimary
		}
		name := c.DisplayName
		if name == "" {
			name = c.Key
		}
		out = append(out, Descriptor{
			Key:         c.Key,
			DisplayName: name,
			Heavy:       c.Heavy,
			Class:       class,
			Sources:     append([]string(nil), c.Sources...),
			Path:        c.Path,
		})
	}
	return out
}

func validateDescriptors(descs []Descriptor) error {
	if len(descs) == 0 {
		return ErrNoDatasets
	}
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.Key == "" {
			return fmt.Errorf("dataset with empty key")
		}
		if seen[d.Key] {
			return fmt.Errorf("duplicate dataset %q", d.Key)
		}
		seen[d.Key] = true
	}
	for _, d := range descs {
		for _, src := range d.Sources {
			if !seen[src] || src == d.Key {
				return fmt.Errorf("dataset %q: invalid source %q: %w", d.Key, src, ErrUnknownDataset)
			}
		}
	}
	return nil
}
