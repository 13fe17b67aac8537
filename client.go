package raft

import (
	"fmt"
	"sync"
	"time"

	"github.com/skadeyl/raftwal/internal/logger"
	"github.com/skadeyl/raftwal/internal/util"
	"github.com/skadeyl/raftwal/logio"
)

const (
	// Initial backoff after a failed submission attempt.
	submitBackoff = 50 * time.Millisecond

	// Cap on the exponential submission backoff.
	maxSubmitBackoff = 1 * time.Second
)

// Client routes payload submissions to the cluster leader. It remembers the
// last known leader, follows leader hints, and retries transient failures
// with exponential backoff until the retry budget or the caller's deadline
// is exhausted.
//
// A submission that times out may still commit; the client does not
// deduplicate. Callers that require exactly-once delivery should carry an
// idempotency key in the payload and filter in their commit observer.
type Client struct {
	// The addresses of the cluster members, indexed by node ID.
	addresses []string

	// The configuration options for this client.
	options options

	// Sends save requests to the cluster. The client owns its own
	// connections; they are not shared with any replica.
	transport Transport

	mu sync.Mutex

	// The node ID of the last known leader, -1 if unknown.
	lastLeader int32

	// Round-robin cursor used when no leader is known.
	next int32
}

// NewClient creates a client for the cluster with the given member
// addresses, indexed by node ID.
func NewClient(addresses []string, opts ...Option) (*Client, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("cluster address list must not be empty")
	}

	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}
	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.requestTimeout == 0 {
		options.requestTimeout = defaultRequestTimeout
	}
	if options.numRetries == 0 {
		options.numRetries = defaultNumRetries
	}
	if options.reopenConnectionInterval == 0 {
		options.reopenConnectionInterval = defaultReopenConnectionInterval
	}
	if options.transport == nil {
		transport, err := NewTransport("", options.reopenConnectionInterval)
		if err != nil {
			return nil, err
		}
		options.transport = transport
	}

	return &Client{
		addresses:  addresses,
		options:    options,
		transport:  options.transport,
		lastLeader: -1,
	}, nil
}

// Close releases the client's connections.
func (c *Client) Close() {
	for _, address := range c.addresses {
		if err := c.transport.Close(address); err != nil {
			c.options.logger.Errorf("failed to close connection: error = %v", err)
		}
	}
}

// SubmitData delivers the payload as a committed log entry and invokes
// callback exactly once with the commit position or the terminal error.
// The callback runs on a goroutine owned by the client.
func (c *Client) SubmitData(payload []byte, deadline time.Time, callback func(pos logio.LogPos, err error)) {
	go func() {
		pos, err := c.Submit(payload, deadline)
		callback(pos, err)
	}()
}

// Submit delivers the payload as a committed log entry and returns its
// commit position. It blocks until the payload is acknowledged, every
// retry failed, or the deadline passed.
func (c *Client) Submit(payload []byte, deadline time.Time) (logio.LogPos, error) {
	request := SaveRequest{Payload: payload}
	backoff := submitBackoff
	var lastErr error = ErrRetriesExhausted

	for attempt := 0; attempt < c.options.numRetries; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return logio.NullPos, ErrDeadlineExceeded
		}

		target := c.pickTarget()
		timeout := c.options.requestTimeout
		if remaining < timeout {
			timeout = remaining
		}

		response, err := c.transport.SendSave(c.addresses[target], request, timeout)
		if err != nil {
			c.options.logger.Debugf(
				"Save attempt failed: node = %d, error = %v",
				target,
				err,
			)
			c.demoteTarget(target)
			lastErr = err
			backoff = c.sleepBackoff(backoff, deadline)
			continue
		}

		switch response.Code {
		case SaveOK:
			c.promoteTarget(target)
			return response.CommittedPos, nil
		case SaveNotLeader, SaveNotLeaderAnymore:
			// Retry immediately against the hinted leader when there is
			// one; otherwise move on to the next member.
			c.options.logger.Debugf(
				"Save redirected: node = %d, hint = %d",
				target,
				response.LeaderHint,
			)
			c.redirectTarget(target, response.LeaderHint)
			if response.Code == SaveNotLeader {
				lastErr = NotLeaderError{NodeID: target, KnownLeader: response.LeaderHint}
			} else {
				lastErr = NotLeaderAnymoreError{NodeID: target}
			}
		default:
			c.demoteTarget(target)
			lastErr = fmt.Errorf("save failed: %s: %s", response.Code, response.Reason)
			if response.Code == SaveTimeout {
				lastErr = ErrSubmitTimeout
			}
			backoff = c.sleepBackoff(backoff, deadline)
		}
	}

	return logio.NullPos, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// pickTarget chooses the replica for the next attempt: the last known
// leader when there is one, round-robin otherwise.
func (c *Client) pickTarget() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastLeader >= 0 {
		return c.lastLeader
	}
	target := c.next % int32(len(c.addresses))
	c.next = (target + 1) % int32(len(c.addresses))
	return target
}

func (c *Client) promoteTarget(target int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLeader = target
}

func (c *Client) demoteTarget(target int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastLeader == target {
		c.lastLeader = -1
	}
}

func (c *Client) redirectTarget(target, hint int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hint >= 0 && hint < int32(len(c.addresses)) && hint != target {
		c.lastLeader = hint
		return
	}
	if c.lastLeader == target || hint == target {
		c.lastLeader = -1
	}
}

// sleepBackoff sleeps for the current backoff, bounded by the deadline, and
// returns the next backoff value.
func (c *Client) sleepBackoff(backoff time.Duration, deadline time.Time) time.Duration {
	sleep := backoff
	if remaining := time.Until(deadline); remaining < sleep {
		sleep = remaining
	}
	if sleep > 0 {
		time.Sleep(sleep)
	}
	return util.Min(2*backoff, maxSubmitBackoff)
}
