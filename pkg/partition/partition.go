// Package partition splits an ordered task list into contiguous,
// order-preserving partitions, one per node.
package partition

import (
	"fmt"
	"strings"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Policy decides which partitions absorb the remainder when the task count
// does not divide evenly.
type Policy string

const (
	// PolicyLeading gives one extra task to each of the first L%K partitions.
	PolicyLeading Policy = "leading"
	// PolicyTrailing gives every leftover task to the last partition.
	PolicyTrailing Policy = "trailing"
)

// ParsePolicy accepts "leading" or "trailing" (case-insensitive). Empty input
// selects PolicyLeading.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLeading:
		return PolicyLeading, nil
	case PolicyTrailing:
		return PolicyTrailing, nil
	}
	return "", derrors.Configuration("unknown partition policy %q", s)
}

// Partition is the ordered slice of tasks owned by one node.
type Partition struct {
	// Index is the zero-based node position
	Index int
	// Tasks is a sub-slice of the original list; it must be treated as read-only
	Tasks []task.Task
}

// Len returns the number of tasks in the partition.
func (p Partition) Len() int {
	return len(p.Tasks)
}

// Split divides tasks into exactly k contiguous partitions. Partitions may be
// empty when len(tasks) < k. The concatenation of all partitions in index
// order equals tasks.
func Split(tasks []task.Task, k int, policy Policy) ([]Partition, error) {
	if k < 1 {
		return nil, derrors.Configuration("node count must be >= 1, got %d", k)
	}

	sizes, err := Sizes(len(tasks), k, policy)
	if err != nil {
		return nil, err
	}

	parts := make([]Partition, k)
	start := 0
	for i, size := range sizes {
		end := start + size
		parts[i] = Partition{Index: i, Tasks: tasks[start:end:end]}
		start = end
	}
	return parts, nil
}

// Sizes returns the partition sizes Split would produce for l tasks.
func Sizes(l, k int, policy Policy) ([]int, error) {
	if k < 1 {
		return nil, derrors.Configuration("node count must be >= 1, got %d", k)
	}
	if l < 0 {
		return nil, fmt.Errorf("negative task count %d", l)
	}

	base, rem := l/k, l%k
	sizes := make([]int, k)
	for i := range sizes {
		sizes[i] = base
	}

	switch policy {
	case PolicyTrailing:
		sizes[k-1] += rem
	case PolicyLeading, "":
		for i := 0; i < rem; i++ {
			sizes[i]++
		}
	default:
		return nil, derrors.Configuration("unknown partition policy %q", policy)
	}
	return sizes, nil
}
