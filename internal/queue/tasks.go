// Package queue defines the generation task handed from the API to the
// worker over asynq, and a thin client for enqueueing it.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TypeGenerate is the asynq task type for one generation job.
const TypeGenerate = "generation:run"

// GenerationPayload carries everything the worker needs to run a job and
// report back: the job key, its owner, and the bucket to refund on failure.
type GenerationPayload struct {
	Kind       string `json:"kind"`
	Collection string `json:"collection"`
	Bucket     string `json:"bucket"`
	UserID     string `json:"user_id"`
	RequestID  string `json:"request_id"`
	// StoryID links an image job to the story that receives the cover.
	StoryID     string          `json:"story_id,omitempty"`
	Fields      json.RawMessage `json:"fields,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

func NewGenerationTask(payload GenerationPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generation payload: %w", err)
	}
	return asynq.NewTask(TypeGenerate, body), nil
}

func ParseGenerationPayload(task *asynq.Task) (GenerationPayload, error) {
	var payload GenerationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerationPayload{}, fmt.Errorf("unmarshal generation payload: %w", err)
	}
	if payload.Collection == "" || payload.RequestID == "" || payload.UserID == "" || payload.Bucket == "" {
		return GenerationPayload{}, fmt.Errorf("generation payload missing job key, owner or bucket")
	}
	return payload, nil
}
