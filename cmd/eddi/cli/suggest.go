// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still worth
// suggesting; it catches transpositions and a dropped or doubled letter.
const maxSuggestDistance = 3

// closest returns the candidate nearest to input, or "" when none is
// within maxSuggestDistance. Ties go to the earlier candidate.
func closest(input string, candidates []string) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, candidate := range candidates {
		if distance := levenshtein(input, candidate); distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}

// suggestCommand proposes a subcommand name for a mistyped one.
func suggestCommand(unknown string, commands []*Command) string {
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	return closest(unknown, names)
}

// suggestFlag proposes a replacement, as "--name", for the first flag
// in args that flagSet does not define. Arguments after "--" are not
// flags.
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	for _, arg := range args {
		if arg == "--" {
			return ""
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if flagSet.Lookup(name) != nil || (len(name) == 1 && flagSet.ShorthandLookup(name) != nil) {
			continue
		}

		var names []string
		flagSet.VisitAll(func(flag *pflag.Flag) {
			names = append(names, flag.Name)
		})
		if suggestion := closest(name, names); suggestion != "" {
			return "--" + suggestion
		}
		return ""
	}
	return ""
}

// levenshtein is the edit distance between a and b counted in runes.
func levenshtein(a, b string) int {
	source, target := []rune(a), []rune(b)
	if len(source) < len(target) {
		source, target = target, source
	}
	// Two rolling rows over the shorter string.
	previous := make([]int, len(target)+1)
	current := make([]int, len(target)+1)
	for column := range previous {
		previous[column] = column
	}
	for row := 1; row <= len(source); row++ {
		current[0] = row
		for column := 1; column <= len(target); column++ {
			substitution := previous[column-1]
			if source[row-1] != target[column-1] {
				substitution++
			}
			current[column] = min(previous[column]+1, current[column-1]+1, substitution)
		}
		previous, current = current, previous
	}
	return previous[len(target)]
}
