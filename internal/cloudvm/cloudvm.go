// Package cloudvm starts and resets per-user agent VMs on Compute Engine.
package cloudvm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/omi/listen-server/internal/config"
)

var ErrNoExternalIP = errors.New("instance has no external IP")

type Timings struct {
	OpPollInterval time.Duration
	StartAttempts  int
	ResetDeadline  time.Duration
	IPAttempts     int
	IPPollInterval time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		OpPollInterval: config.VMStartPollInterval,
		StartAttempts:  config.VMStartPollAttempts,
		ResetDeadline:  config.VMResetPollDeadline,
		IPAttempts:     config.VMIPPollAttempts,
		IPPollInterval: config.VMIPPollInterval,
	}
}

type Client struct {
	svc     *compute.Service
	project string
	timings Timings
}

func New(ctx context.Context, project string, timings Timings, opts ...option.ClientOption) (*Client, error) {
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	return &Client{svc: svc, project: project, timings: timings}, nil
}

// Start boots a stopped instance and waits for the operation to finish.
func (c *Client) Start(ctx context.Context, zone, name string) error {
	op, err := c.svc.Instances.Start(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("start instance %s: %w", name, err)
	}
	return c.waitAttempts(ctx, zone, op, c.timings.StartAttempts)
}

// Reset hard-resets a running instance and waits up to ResetDeadline.
func (c *Client) Reset(ctx context.Context, zone, name string) error {
	op, err := c.svc.Instances.Reset(c.project, zone, name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("reset instance %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timings.ResetDeadline)
	defer cancel()
	attempts := int(c.timings.ResetDeadline/c.timings.OpPollInterval) + 1
	return c.waitAttempts(ctx, zone, op, attempts)
}

func (c *Client) waitAttempts(ctx context.Context, zone string, op *compute.Operation, attempts int) error {
	for i := 0; ; i++ {
		if op.Status == "DONE" {
			return operationError(op)
		}
		if i >= attempts {
			return fmt.Errorf("operation %s not done after %d polls", op.Name, attempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timings.OpPollInterval):
		}

		next, err := c.svc.ZoneOperations.Get(c.project, zone, op.Name).Context(ctx).Do()
		if err != nil {
			log.Warn().Err(err).Str("operation", op.Name).Msg("poll zone operation")
			continue
		}
		op = next
	}
}

func operationError(op *compute.Operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	e := op.Error.Errors[0]
	return fmt.Errorf("operation %s failed: %s: %s", op.Name, e.Code, e.Message)
}

// ExternalIP polls the instance until its first access config carries a
// NAT IP.
func (c *Client) ExternalIP(ctx context.Context, zone, name string) (string, error) {
	for i := 0; i < c.timings.IPAttempts; i++ {
		inst, err := c.svc.Instances.Get(c.project, zone, name).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("get instance %s: %w", name, err)
		}
		if ip := natIP(inst); ip != "" {
			return ip, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.timings.IPPollInterval):
		}
	}
	return "", ErrNoExternalIP
}

func natIP(inst *compute.Instance) string {
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}
