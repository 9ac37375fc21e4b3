package jobdb

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// SchedulingOrder returns true if a should be considered for admission before b.
// Jobs are ordered by priority (higher first), then by creation time (earlier first). The id breaks any
// remaining tie so that the order is total.
func SchedulingOrder(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Id < b.Id
}

// SortForAdmission sorts jobs in place in SchedulingOrder.
func SortForAdmission(jobs []*Job) {
	slices.SortStableFunc(jobs, SchedulingOrder)
}

func dispatchKey(id string, admission int) string {
	return fmt.Sprintf("%s-%d", id, admission)
}
