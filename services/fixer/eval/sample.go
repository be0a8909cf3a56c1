// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
)

// Subset defaults.
const (
	DefaultFraction    = 0.2
	DefaultMinPerClass = 5
	DefaultSeed        = 42
)

// ErrInvalidSubset indicates an unparseable subset name.
var ErrInvalidSubset = errors.New("invalid subset")

// Subset selects which tasks a run covers.
type Subset struct {
	// Name is the subset as given on the command line.
	Name string

	// All runs every task; the sampling fields are ignored.
	All bool

	// Fraction of each bug class to sample.
	Fraction float64

	// MinPerClass is the minimum sampled per class.
	MinPerClass int

	// Seed makes the shuffle reproducible.
	Seed uint64
}

// ParseSubset parses "all", "stratified" or "stratified_<fraction>".
//
// Outputs:
//
//	Subset - The parsed subset with defaults filled in.
//	error - ErrInvalidSubset for any other name or a fraction outside (0, 1].
func ParseSubset(name string) (Subset, error) {
	s := Subset{Name: name, Fraction: DefaultFraction, MinPerClass: DefaultMinPerClass, Seed: DefaultSeed}
	switch {
	case name == "all":
		s.All = true
		return s, nil
	case name == "stratified":
		return s, nil
	case strings.HasPrefix(name, "stratified_"):
		f, err := strconv.ParseFloat(strings.TrimPrefix(name, "stratified_"), 64)
		if err != nil || f <= 0 || f > 1 {
			return Subset{}, fmt.Errorf("%w: %q", ErrInvalidSubset, name)
		}
		s.Fraction = f
		return s, nil
	default:
		return Subset{}, fmt.Errorf("%w: %q", ErrInvalidSubset, name)
	}
}

// Select applies the subset to tasks.
func (s Subset) Select(tasks []Task) []Task {
	if s.All {
		return tasks
	}
	return StratifiedSample(tasks, s.Fraction, s.MinPerClass, s.Seed)
}

// StratifiedSample draws a reproducible per-bug-class sample.
//
// Description:
//
//	Tasks are grouped by BugType. Each group is shuffled with a generator
//	seeded from seed and the first max(minPerClass, ceil(fraction*n))
//	tasks are kept, capped at the group size. The result keeps the
//	original dataset order.
//
// Thread Safety: Pure function.
func StratifiedSample(tasks []Task, fraction float64, minPerClass int, seed uint64) []Task {
	groups := make(map[string][]int)
	for i, t := range tasks {
		groups[t.BugType] = append(groups[t.BugType], i)
	}

	classes := make([]string, 0, len(groups))
	for c := range groups {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	rng := rand.New(rand.NewPCG(seed, seed))
	var picked []int
	for _, c := range classes {
		idx := append([]int(nil), groups[c]...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		n := int(math.Ceil(fraction * float64(len(idx))))
		n = max(n, minPerClass)
		n = min(n, len(idx))
		picked = append(picked, idx[:n]...)
	}
	sort.Ints(picked)

	out := make([]Task, 0, len(picked))
	for _, i := range picked {
		out = append(out, tasks[i])
	}
	return out
}
