// Package jobs moves campaign runs off the request path through a durable
// AMQP queue. The API enqueues, a worker consumes and drives the orchestrator.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/mailcast/internal/orchestrator"
)

// DefaultQueue is the queue name used when none is configured
const DefaultQueue = "mailcast.campaign_sends"

// Kind selects the orchestrator operation a job runs
type Kind string

const (
	KindStartSend Kind = "start_send"
	KindResume    Kind = "resume"
)

// Job is the queued request to run a campaign
type Job struct {
	Kind       Kind      `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks that the job can be dispatched
func (j Job) Validate() error {
	if j.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	switch j.Kind {
	case KindStartSend, KindResume:
		return nil
	}
	return fmt.Errorf("unknown job kind %q", j.Kind)
}

// Encode serializes j for the queue
func Encode(j Job) ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// Decode parses and validates a queued job
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("invalid job payload: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Enqueuer accepts campaign jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, j Job) error
}

// Runner is the part of the orchestrator a worker drives
type Runner interface {
	StartSend(ctx context.Context, campaignID string, opts orchestrator.StartOptions) (*orchestrator.RunResult, error)
	Resume(ctx context.Context, campaignID string, opts orchestrator.StartOptions) (*orchestrator.RunResult, error)
}

// Outcome tells the consumer how to settle a delivery
type Outcome int

const (
	// Ack removes the message from the queue
	Ack Outcome = iota
	// Requeue puts the message back for another attempt
	Requeue
	// Drop rejects the message without requeueing
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// DefaultMaxAttempts bounds how often a failed job is retried
const DefaultMaxAttempts = 3

// Handler turns queued jobs into orchestrator calls
type Handler struct {
	runner      Runner
	retry       Enqueuer
	maxAttempts int
	logger      *slog.Logger
}

// NewHandler creates a handler. Interrupted runs are re-enqueued through
// retry as resume jobs; with a nil retry they stay paused.
func NewHandler(runner Runner, retry Enqueuer, maxAttempts int, logger *slog.Logger) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		runner:      runner,
		retry:       retry,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "jobs"),
	}
}

// Handle runs one job and reports how its delivery should be settled
func (h *Handler) Handle(ctx context.Context, body []byte) Outcome {
	j, err := Decode(body)
	if err != nil {
		h.logger.Warn("dropping invalid job", "error", err)
		return Drop
	}

	logger := h.logger.With("kind", j.Kind, "campaign_id", j.CampaignID, "attempt", j.Attempt)
	opts := orchestrator.StartOptions{ProviderID: j.ProviderID}

	var res *orchestrator.RunResult
	switch j.Kind {
	case KindStartSend:
		res, err = h.runner.StartSend(ctx, j.CampaignID, opts)
	case KindResume:
		res, err = h.runner.Resume(ctx, j.CampaignID, opts)
	}

	switch {
	case err == nil:
		logger.Info("job finished",
			"status", res.Status,
			"sent", res.Sent,
			"failed", res.Failed,
		)
		return Ack

	case orchestrator.IsConfigurationError(err), errors.Is(err, orchestrator.ErrAlreadySending):
		logger.Warn("job rejected", "error", err)
		return Ack

	case errors.Is(err, orchestrator.ErrProvidersExhausted):
		logger.Warn("campaign paused with providers exhausted", "error", err)
		return Ack

	case res == nil:
		// Nothing changed yet, the same job can run again
		if ctx.Err() != nil {
			return Requeue
		}
		if j.Attempt+1 >= h.maxAttempts {
			logger.Error("job failed, giving up", "error", err)
			return Drop
		}
		return h.followUp(ctx, logger, Job{Kind: j.Kind, CampaignID: j.CampaignID, ProviderID: j.ProviderID, Attempt: j.Attempt + 1}, err)
	}

	// The run started and left the campaign paused
	if ctx.Err() == nil && j.Attempt+1 >= h.maxAttempts {
		logger.Error("campaign run failed, left paused", "error", err)
		return Ack
	}
	next := Job{Kind: KindResume, CampaignID: j.CampaignID, ProviderID: j.ProviderID, Attempt: j.Attempt}
	if ctx.Err() == nil {
		next.Attempt++
	}
	return h.followUp(ctx, logger, next, err)
}

func (h *Handler) followUp(ctx context.Context, logger *slog.Logger, next Job, cause error) Outcome {
	if h.retry == nil {
		logger.Error("job failed", "error", cause)
		return Ack
	}
	next.EnqueuedAt = time.Now().UTC()
	if err := h.retry.Enqueue(context.WithoutCancel(ctx), next); err != nil {
		logger.Error("failed to enqueue retry", "error", err, "cause", cause)
		return Requeue
	}
	logger.Warn("job re-enqueued", "next_kind", next.Kind, "next_attempt", next.Attempt, "cause", cause)
	return Ack
}
