// ABOUTME: Pushes new revocations to the gateway or hub agent that serves the credential
// ABOUTME: One lazy worker per agent with a bounded queue, retrying with backoff until shutdown

package propagate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// Directory finds the agent responsible for a credential.
type Directory interface {
	GetVPNConfig(ctx context.Context, id string) (*store.VPNConfig, error)
	GetGateway(ctx context.Context, id string) (*store.Gateway, error)
	GetMeshHub(ctx context.Context, id string) (*store.MeshHub, error)
}

// Options tunes delivery.
type Options struct {
	Token        string        // bearer token sent to agents
	IntakeSize   int           // revocations waiting to be routed
	QueueSize    int           // per-agent backlog; overflow is dropped
	Timeout      time.Duration // per request
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (o *Options) applyDefaults() {
	if o.IntakeSize <= 0 {
		o.IntakeSize = 1024
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
}

// Message is the body POSTed to {agentURL}/revocations.
type Message struct {
	CredentialID string               `json:"credential_id"`
	Kind         store.CredentialKind `json:"kind"`
	Serial       string               `json:"serial,omitempty"`
	Reason       string               `json:"reason"`
	RevokedAt    time.Time            `json:"revoked_at"`
}

// Dispatcher implements revocation.Notifier. Agents that miss a push still
// learn about the revocation from their next sync.
type Dispatcher struct {
	dir     Directory
	client  *http.Client
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	intake  chan *store.Revocation
	mu      sync.Mutex
	workers map[string]chan Message
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. client may be nil.
func NewDispatcher(dir Directory, client *http.Client, opts Options, m *metrics.Metrics) *Dispatcher {
	opts.applyDefaults()
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		dir:     dir,
		client:  client,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "propagate"),
		intake:  make(chan *store.Revocation, opts.IntakeSize),
		workers: make(map[string]chan Message),
	}
}

// Notify queues a revocation for delivery. It never blocks.
func (d *Dispatcher) Notify(r *store.Revocation) {
	cp := *r
	select {
	case d.intake <- &cp:
	default:
		d.metrics.Propagation("dropped")
		d.logger.Warn("propagation intake full, dropping", "credential_id", r.CredentialID)
	}
}

// Run routes queued revocations until ctx is done, then waits for the
// per-agent workers to stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case r := <-d.intake:
			d.route(ctx, r)
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, r *store.Revocation) {
	if r.Kind == store.CredentialAPIKey {
		return
	}
	agentURL, err := d.agentURL(ctx, r.CredentialID)
	if err != nil {
		d.logger.Warn("resolving agent for revocation", "credential_id", r.CredentialID, "error", err)
		d.metrics.Propagation("skipped")
		return
	}
	if agentURL == "" {
		d.metrics.Propagation("skipped")
		return
	}

	msg := Message{
		CredentialID: r.CredentialID,
		Kind:         r.Kind,
		Serial:       r.Serial,
		Reason:       r.Reason,
		RevokedAt:    r.RevokedAt,
	}
	select {
	case d.worker(ctx, agentURL) <- msg:
	default:
		d.metrics.Propagation("dropped")
		d.logger.Warn("agent queue full, dropping revocation", "agent_url", agentURL, "credential_id", r.CredentialID)
	}
}

func (d *Dispatcher) agentURL(ctx context.Context, configID string) (string, error) {
	c, err := d.dir.GetVPNConfig(ctx, configID)
	if err != nil {
		return "", err
	}
	if c.Kind == store.ConfigKindMesh {
		h, err := d.dir.GetMeshHub(ctx, c.TargetID)
		if err != nil {
			return "", err
		}
		return h.AgentURL, nil
	}
	g, err := d.dir.GetGateway(ctx, c.TargetID)
	if err != nil {
		return "", err
	}
	return g.AgentURL, nil
}

// worker returns the queue for an agent, starting its goroutine on first use.
func (d *Dispatcher) worker(ctx context.Context, agentURL string) chan<- Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.workers[agentURL]; ok {
		return q
	}
	q := make(chan Message, d.opts.QueueSize)
	d.workers[agentURL] = q
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case msg := <-q:
				d.deliverWithRetry(ctx, agentURL, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return q
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, agentURL string, msg Message) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryInitial
	b.MaxInterval = d.opts.RetryMax
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		d.logger.Debug("agent push failed, retrying", "agent_url", agentURL,
			"credential_id", msg.CredentialID, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(func() error { return d.deliver(ctx, agentURL, msg) }, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		d.metrics.Propagation("delivered")
	case ctx.Err() != nil:
		d.metrics.Propagation("abandoned")
	default:
		d.metrics.Propagation("failed")
		d.logger.Warn("agent rejected revocation", "agent_url", agentURL, "credential_id", msg.CredentialID, "error", err)
	}
}

var errRetryable = errors.New("retryable agent response")

func (d *Dispatcher) deliver(ctx context.Context, agentURL string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return backoff.Permanent(err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(agentURL, "/")+"/revocations", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.Token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("agent returned status %d", resp.StatusCode))
	}
}
