package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type constants
const (
	TaskSweep         = "asset:sweep"
	TaskSampleBacklog = "stream:sample-backlog"
)

// sweepPayload is empty for scheduled sweeps; manual triggers record who
// asked.
type sweepPayload struct {
	Trigger string `json:"trigger"`
}

// Package-level Asynq client (singleton)
var client *asynq.Client

// InitClient initializes the global Asynq client for task enqueueing.
// Must be called before EnqueueSweep.
func InitClient(redisURL string) error {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return err
	}

	client = asynq.NewClient(opt)
	return nil
}

// CloseClient closes the Asynq client connection gracefully.
func CloseClient() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// NewSweepTask builds a sweep task. asynq's uniqueness key covers the payload,
// so the window only collapses repeats of the same trigger; a manual sweep can
// run alongside a scheduled one, and the conditional envelope updates let
// only one of them act on each envelope.
func NewSweepTask(trigger string, window time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(sweepPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskSweep,
		payload,
		asynq.MaxRetry(0),
		asynq.Timeout(window),
		asynq.Retention(time.Hour),
		asynq.Unique(window),
	), nil
}

// NewSampleBacklogTask builds a backlog sampling task.
func NewSampleBacklogTask(window time.Duration) *asynq.Task {
	return asynq.NewTask(
		TaskSampleBacklog,
		nil,
		asynq.MaxRetry(0),
		asynq.Timeout(window),
		asynq.Unique(window),
	)
}

// EnqueueSweep asks the worker for an immediate sweep.
func EnqueueSweep(trigger string) error {
	if client == nil {
		return fmt.Errorf("asynq client not initialized")
	}
	task, err := NewSweepTask(trigger, 30*time.Second)
	if err != nil {
		return err
	}
	_, err = client.Enqueue(task)
	return err
}
