// Copyright 2024, Pulumi Corporation.  All rights reserved.

package diags

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownKeyFormatter builds messages for a key that is referenced but not declared, listing the
// declared keys closest to the one that was asked for first.
type UnknownKeyFormatter struct {
	ParentLabel string
	Keys        []string
	MaxElements int
}

// A message broken up into a top level and detail line
func (e UnknownKeyFormatter) MessageWithDetail(key, keyLabel string) (string, string) {
	return e.messageHeader(keyLabel), e.messageBody(key)
}

func (e UnknownKeyFormatter) messageHeader(keyLabel string) string {
	return fmt.Sprintf("%s does not exist in %s.", keyLabel, e.ParentLabel)
}

func (e UnknownKeyFormatter) messageBody(key string) string {
	existing := sortByEditDistance(e.Keys, key)
	if len(existing) == 0 {
		return fmt.Sprintf("%s has no keys", e.ParentLabel)
	}
	list := strings.Join(existing, ", ")
	if e.MaxElements != 0 && len(existing) > e.MaxElements {
		list = fmt.Sprintf("%s and %d others", strings.Join(existing[:e.MaxElements], ", "), len(existing)-e.MaxElements)
	}
	return fmt.Sprintf("Existing keys are: %s", list)
}

// editDistance calculates the Levenshtein distance between words a and b.
func editDistance(a, b string) int {
	d := make([][]int, len(a)+1)
	for i := range d {
		d[i] = make([]int, len(b)+1)
		d[i][0] = i
	}
	for j := range d[0] {
		d[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			subCost := 0
			if a[i-1] != b[j-1] {
				subCost = 1
			}
			d[i][j] = min(d[i-1][j]+1, d[i][j-1]+1, d[i-1][j-1]+subCost)
		}
	}
	return d[len(a)][len(b)]
}

func sortByEditDistance(words []string, comparedTo string) []string {
	w := make([]string, len(words))
	copy(w, words)
	dist := make(map[string]int, len(w))
	for _, s := range w {
		if _, ok := dist[s]; !ok {
			dist[s] = editDistance(s, comparedTo)
		}
	}
	sort.Strings(w)
	sort.SliceStable(w, func(i, j int) bool {
		return dist[w[i]] < dist[w[j]]
	})
	return w
}

// A list that displays in a human readable format.
type HumanList []string

func (h HumanList) String() string {
	switch len(h) {
	case 0:
		return ""
	case 1:
		return h[0]
	case 2:
		return fmt.Sprintf("%s and %s", h[0], h[1])
	default:
		return fmt.Sprintf("%s, %s", h[0], HumanList(h[1:]))
	}
}
