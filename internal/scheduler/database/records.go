package database

import (
	"time"

	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// JobRecord is the stored form of a job. MongoDB stores it as a document; Postgres stores the scalar fields
// as columns and the nested ones as jsonb.
type JobRecord struct {
	Id               string                 `bson:"_id" json:"id"`
	Type             string                 `bson:"type" json:"type"`
	Key              string                 `bson:"key" json:"key"`
	Priority         int64                  `bson:"priority" json:"priority"`
	Created          time.Time              `bson:"created" json:"created"`
	State            int                    `bson:"state" json:"state"`
	ResourceRequest  *ResourceRequestRecord `bson:"resourceRequest,omitempty" json:"resourceRequest,omitempty"`
	ResourceState    int                    `bson:"resourceState" json:"resourceState"`
	Cancellation     CancellationRecord     `bson:"cancellation" json:"cancellation"`
	Steps            []StepRecord           `bson:"steps,omitempty" json:"steps,omitempty"`
	Cost             CostRecord             `bson:"cost" json:"cost"`
	ExecutionHandle  string                 `bson:"executionHandle" json:"executionHandle"`
	Attempts         int                    `bson:"attempts" json:"attempts"`
	Admissions       int                    `bson:"admissions" json:"admissions"`
	LastProgressTime time.Time              `bson:"lastProgressTime" json:"lastProgressTime"`
	Version          int64                  `bson:"version" json:"version"`
}

type ResourceRequestRecord struct {
	Unit   string `bson:"unit" json:"unit"`
	Amount int64  `bson:"amount" json:"amount"`
}

type ResourceAmountRecord struct {
	Unit   string  `bson:"unit" json:"unit"`
	Amount float64 `bson:"amount" json:"amount"`
}

type CancellationRecord struct {
	IsCancelled bool      `bson:"isCancelled" json:"isCancelled"`
	RequestedBy string    `bson:"requestedBy" json:"requestedBy"`
	RequestTime time.Time `bson:"requestTime" json:"requestTime"`
	Cancellable bool      `bson:"cancellable" json:"cancellable"`
}

type StepRecord struct {
	Index    int     `bson:"index" json:"index"`
	Name     string  `bson:"name" json:"name"`
	State    string  `bson:"state" json:"state"`
	Progress float64 `bson:"progress" json:"progress"`
	Message  string  `bson:"message" json:"message"`
}

type CostRecord struct {
	Requested []ResourceAmountRecord `bson:"requested,omitempty" json:"requested,omitempty"`
	Consumed  []ResourceAmountRecord `bson:"consumed,omitempty" json:"consumed,omitempty"`
	Reported  bool                   `bson:"reported" json:"reported"`
}

// NewJobRecord converts a job into its stored form.
func NewJobRecord(job *jobdb.Job) *JobRecord {
	record := &JobRecord{
		Id:            job.Id,
		Type:          job.Type,
		Key:           job.Key,
		Priority:      job.Priority,
		Created:       job.Created,
		State:         int(job.State),
		ResourceState: int(job.ResourceState),
		Cancellation: CancellationRecord{
			IsCancelled: job.Cancellation.IsCancelled,
			RequestedBy: job.Cancellation.RequestedBy,
			RequestTime: job.Cancellation.RequestTime,
			Cancellable: job.Cancellation.Cancellable,
		},
		Steps:            toStepRecords(job.Steps),
		Cost:             toCostRecord(job.Cost),
		ExecutionHandle:  job.ExecutionHandle,
		Attempts:         job.Attempts,
		Admissions:       job.Admissions,
		LastProgressTime: job.LastProgressTime,
		Version:          job.Version,
	}
	if job.ResourceRequest != nil {
		record.ResourceRequest = &ResourceRequestRecord{
			Unit:   job.ResourceRequest.Unit,
			Amount: job.ResourceRequest.Amount,
		}
	}
	return record
}

// ToJob converts a stored record back into a job.
func (r *JobRecord) ToJob() *jobdb.Job {
	job := &jobdb.Job{
		Id:            r.Id,
		Type:          r.Type,
		Key:           r.Key,
		Priority:      r.Priority,
		Created:       r.Created,
		State:         jobdb.State(r.State),
		ResourceState: jobdb.ResourceState(r.ResourceState),
		Cancellation: jobdb.CancellationInfo{
			IsCancelled: r.Cancellation.IsCancelled,
			RequestedBy: r.Cancellation.RequestedBy,
			RequestTime: r.Cancellation.RequestTime,
			Cancellable: r.Cancellation.Cancellable,
		},
		Steps:            fromStepRecords(r.Steps),
		Cost:             fromCostRecord(r.Cost),
		ExecutionHandle:  r.ExecutionHandle,
		Attempts:         r.Attempts,
		Admissions:       r.Admissions,
		LastProgressTime: r.LastProgressTime,
		Version:          r.Version,
	}
	if r.ResourceRequest != nil {
		job.ResourceRequest = &jobdb.ResourceRequest{
			Unit:   r.ResourceRequest.Unit,
			Amount: r.ResourceRequest.Amount,
		}
	}
	return job
}

func toStepRecords(steps []jobdb.StepDetail) []StepRecord {
	if len(steps) == 0 {
		return nil
	}
	records := make([]StepRecord, len(steps))
	for i, step := range steps {
		records[i] = StepRecord(step)
	}
	return records
}

func fromStepRecords(records []StepRecord) []jobdb.StepDetail {
	if len(records) == 0 {
		return nil
	}
	steps := make([]jobdb.StepDetail, len(records))
	for i, record := range records {
		steps[i] = jobdb.StepDetail(record)
	}
	return steps
}

func toAmountRecords(amounts []jobdb.ResourceAmount) []ResourceAmountRecord {
	if len(amounts) == 0 {
		return nil
	}
	records := make([]ResourceAmountRecord, len(amounts))
	for i, amount := range amounts {
		records[i] = ResourceAmountRecord(amount)
	}
	return records
}

func fromAmountRecords(records []ResourceAmountRecord) []jobdb.ResourceAmount {
	if len(records) == 0 {
		return nil
	}
	amounts := make([]jobdb.ResourceAmount, len(records))
	for i, record := range records {
		amounts[i] = jobdb.ResourceAmount(record)
	}
	return amounts
}

func toCostRecord(cost jobdb.Cost) CostRecord {
	return CostRecord{
		Requested: toAmountRecords(cost.Requested),
		Consumed:  toAmountRecords(cost.Consumed),
		Reported:  cost.Reported,
	}
}

func fromCostRecord(record CostRecord) jobdb.Cost {
	return jobdb.Cost{
		Requested: fromAmountRecords(record.Requested),
		Consumed:  fromAmountRecords(record.Consumed),
		Reported:  record.Reported,
	}
}
