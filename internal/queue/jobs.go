package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DispatchJob asks a worker to run one attempt for a target.
type DispatchJob struct {
	TargetID string `json:"target_id"`
	Attempt  int    `json:"attempt"`
}

// StatusCallbackJob carries a carrier status report that could not be
// matched to a message yet.
type StatusCallbackJob struct {
	CarrierMessageID string `json:"carrier_message_id"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code,omitempty"`
	Attempt          int    `json:"attempt"`
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, q Queue, topic string, v any, delay time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", topic, err)
	}
	return q.Publish(ctx, topic, body, delay)
}
