// Package queue defines the asynq task types OnceDrop runs out of band:
// retries of compensating blob deletes and the periodic expiry sweep.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// BlobDeleteTask retries a blob delete the request path could not finish.
	BlobDeleteTask = "blob:delete"
	// SweepTask reclaims expired documents.
	SweepTask = "document:sweep"

	blobDeleteRetries = 10
)

// BlobDeletePayload is serialized into the task payload. It never carries
// key material or access codes.
type BlobDeletePayload struct {
	BlobID string `json:"blob_id"`
	Reason string `json:"reason"`
}

// DecodeBlobDelete parses a blob:delete payload.
func DecodeBlobDelete(task *asynq.Task) (BlobDeletePayload, error) {
	var payload BlobDeletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.BlobID == "" {
		return payload, errors.New("decode payload: missing blob id")
	}
	return payload, nil
}

// Client enqueues cleanup work on Redis.
type Client struct {
	client *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// EnqueueBlobDelete schedules a retried delete of blobID. Duplicate enqueues
// for the same blob within an hour collapse into one task.
func (c *Client) EnqueueBlobDelete(ctx context.Context, blobID, reason string) error {
	data, err := json.Marshal(BlobDeletePayload{BlobID: blobID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(BlobDeleteTask, data)
	// Unique holds a Redis lock keyed on type and payload, so the inline
	// path and a sweep that both fail on the same blob enqueue one task.
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(blobDeleteRetries),
		asynq.Unique(time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("enqueue blob delete task: %w", err)
	}
	return nil
}

// RegisterSweep schedules the expiry sweep on scheduler every interval.
func RegisterSweep(scheduler *asynq.Scheduler, interval time.Duration) (string, error) {
	// asynq accepts cron expressions and the "@every <duration>" shorthand
	// from robfig/cron.
	schedule := fmt.Sprintf("@every %s", interval)
	id, err := scheduler.Register(schedule, asynq.NewTask(SweepTask, nil), asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("register sweep task: %w", err)
	}
	return id, nil
}
