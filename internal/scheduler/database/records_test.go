package database

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fullyPopulatedJob sets every optional field. Times are whole milliseconds in UTC, the resolution every store
// keeps.
func fullyPopulatedJob(id string) *jobdb.Job {
	return &jobdb.Job{
		Id:              id,
		Type:            "train",
		Key:             "key-" + id,
		Priority:        -3,
		Created:         baseTime,
		State:           jobdb.Running,
		ResourceRequest: &jobdb.ResourceRequest{Unit: "gpu", Amount: 4},
		ResourceState:   jobdb.ResourceReserved,
		Cancellation: jobdb.CancellationInfo{
			IsCancelled: true,
			RequestedBy: "alice",
			RequestTime: baseTime.Add(90 * time.Second),
			Cancellable: true,
		},
		Steps: []jobdb.StepDetail{
			{Index: 0, Name: "download", State: "COMPLETED", Progress: 1, Message: "done"},
			{Index: 1, Name: "train", State: "RUNNING", Progress: 0.25, Message: "epoch 3"},
		},
		Cost: jobdb.Cost{
			Requested: []jobdb.ResourceAmount{{Unit: "gpu", Amount: 4}},
			Consumed:  []jobdb.ResourceAmount{{Unit: "gpu-hours", Amount: 1.5}},
			Reported:  true,
		},
		ExecutionHandle:  "exec-" + id,
		Attempts:         2,
		Admissions:       3,
		LastProgressTime: baseTime.Add(2*time.Minute + 123*time.Millisecond),
		Version:          7,
	}
}

func TestJobRecordRoundTrip(t *testing.T) {
	tests := map[string]*jobdb.Job{
		"fully populated": fullyPopulatedJob("job-1"),
		"minimal":         jobdb.NewJob("job-2", "export", "k", 0, baseTime),
	}
	for name, job := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, job, NewJobRecord(job).ToJob())
		})
	}
}

func TestJobRecordBsonRoundTrip(t *testing.T) {
	job := fullyPopulatedJob("job-1")
	data, err := bson.Marshal(NewJobRecord(job))
	require.NoError(t, err)

	var decoded JobRecord
	require.NoError(t, bson.Unmarshal(data, &decoded))
	assert.Equal(t, job, decoded.ToJob())

	var raw bson.M
	require.NoError(t, bson.Unmarshal(data, &raw))
	assert.Equal(t, "job-1", raw["_id"])
	assert.Equal(t, "key-job-1", raw["key"])
}

func TestJobRecordJsonRoundTrip(t *testing.T) {
	job := fullyPopulatedJob("job-1")
	data, err := json.Marshal(NewJobRecord(job))
	require.NoError(t, err)

	var decoded JobRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job, decoded.ToJob())
}

func TestJobFilterMatches(t *testing.T) {
	job := fullyPopulatedJob("job-1")
	yes, no := true, false
	reserved, unset := jobdb.ResourceReserved, jobdb.ResourceUnset
	queued := QueuedStates

	tests := map[string]struct {
		filter  JobFilter
		matches bool
	}{
		"empty":                 {filter: JobFilter{}, matches: true},
		"id":                    {filter: JobFilter{Ids: []string{"job-1"}}, matches: true},
		"other id":              {filter: JobFilter{Ids: []string{"job-2"}}, matches: false},
		"type":                  {filter: JobFilter{Types: []string{"export", "train"}}, matches: true},
		"other type":            {filter: JobFilter{Types: []string{"export"}}, matches: false},
		"active":                {filter: JobFilter{States: &ActiveStates}, matches: true},
		"queued":                {filter: JobFilter{States: &queued}, matches: false},
		"cancel requested":      {filter: JobFilter{CancelRequested: &yes}, matches: true},
		"not cancel requested":  {filter: JobFilter{CancelRequested: &no}, matches: false},
		"reserved":              {filter: JobFilter{ResourceState: &reserved}, matches: true},
		"unset":                 {filter: JobFilter{ResourceState: &unset}, matches: false},
		"has handle":            {filter: JobFilter{HasHandle: &yes}, matches: true},
		"no handle":             {filter: JobFilter{HasHandle: &no}, matches: false},
		"reported":              {filter: JobFilter{CostReported: &yes}, matches: true},
		"progress before later": {filter: JobFilter{ProgressBefore: baseTime.Add(time.Hour)}, matches: true},
		"progress before equal": {filter: JobFilter{ProgressBefore: job.LastProgressTime}, matches: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.matches, tc.filter.Matches(job))
		})
	}
}
