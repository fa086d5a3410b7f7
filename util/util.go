// Package util contains misc internal utilities.
package util

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// SecsToDuration converts a (float) number of seconds to a time.Duration.
// Negative inputs are clamped to zero.
func SecsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// UniqueSortedInts returns the distinct values of is in ascending order.
// The input is not modified.
func UniqueSortedInts(is []int) []int {
	seen := make(map[int]struct{}, len(is))
	out := make([]int, 0, len(is))
	for _, v := range is {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
