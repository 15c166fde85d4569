package models

import "encoding/json"

// ResultStatus is the outcome an agent task posts for its work.
type ResultStatus string

const (
	// ResultSuccess indicates the task finished and its output is committed.
	ResultSuccess ResultStatus = "success"
	// ResultFailure indicates the task could not finish.
	ResultFailure ResultStatus = "failure"
)

// TaskResult is the completion signal an agent task writes to the Context Bus
// under the result key for its sub-stage and task type.
type TaskResult struct {
	// TaskType is the declared task type this result satisfies.
	TaskType string `json:"task_type"`
	// SubStageID is the sub-stage the task ran for.
	SubStageID string `json:"sub_stage_id"`
	// Status is the task outcome.
	Status ResultStatus `json:"status"`
	// Error carries the failure message when Status is ResultFailure.
	Error string `json:"error,omitempty"`
}

// ResultKey returns the conventional context record key a task result is
// written under.
func ResultKey(subStageID, taskType string) string {
	return "result:" + subStageID + ":" + taskType
}

// EncodeResult marshals a task result as a structured payload.
func EncodeResult(r TaskResult) (Payload, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Payload{}, err
	}
	return StructuredPayload(data), nil
}

// DecodeResult unmarshals a task result from a payload.
func DecodeResult(p Payload) (TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(p.Data, &r); err != nil {
		return TaskResult{}, err
	}
	return r, nil
}
