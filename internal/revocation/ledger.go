// ABOUTME: Revocation Ledger: idempotent single revokes and per-record bulk revocation
// ABOUTME: Each record is retried on its own with backoff; successes are never rolled back

package revocation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/metrics"
	"github.com/2389/tunnelward/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	RevokeCredential(ctx context.Context, r *store.Revocation) (already bool, err error)
	IsRevoked(ctx context.Context, credentialID string) (bool, error)
	GetVPNConfig(ctx context.Context, id string) (*store.VPNConfig, error)
	ListCredentials(ctx context.Context, principalID string, kinds ...store.CredentialKind) ([]store.Credential, error)
	ListRevocations(ctx context.Context, f store.RevocationFilter) ([]*store.Revocation, error)
	DeleteAPIKeysForPrincipal(ctx context.Context, principalID string) (int64, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Notifier is told about new revocations so agents can be informed. It must
// not block.
type Notifier interface {
	Notify(r *store.Revocation)
}

// Options tunes bulk revocation.
type Options struct {
	RetryInitial time.Duration // first backoff interval
	RetryMax     time.Duration // cap on a single interval
	MaxAttempts  int           // per record, including the first try
	Concurrency  int           // records revoked in parallel
	WarmWindow   time.Duration // how far back Warm loads the deny list
}

func (o *Options) applyDefaults() {
	if o.RetryInitial <= 0 {
		o.RetryInitial = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.WarmWindow <= 0 {
		o.WarmWindow = 7 * 24 * time.Hour
	}
}

// Ledger is the single entry point for revoking credentials.
type Ledger struct {
	store    Store
	deny     DenyList
	notifier Notifier
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLedger creates a ledger. deny and notifier may be nil.
func NewLedger(s Store, deny DenyList, notifier Notifier, opts Options, m *metrics.Metrics) *Ledger {
	opts.applyDefaults()
	if deny == nil {
		deny = NewMemoryDenyList()
	}
	return &Ledger{
		store:    s,
		deny:     deny,
		notifier: notifier,
		opts:     opts,
		metrics:  m,
		logger:   slog.Default().With("component", "revocation"),
	}
}

// Revoke revokes one credential. Revoking an already revoked credential
// succeeds and reports already=true; the ledger keeps the first entry.
func (l *Ledger) Revoke(ctx context.Context, kind store.CredentialKind, id, reason, actor string) (already bool, err error) {
	reason = strings.TrimSpace(reason)
	if actor == "" {
		actor = store.ActorSystem
	}
	r := &store.Revocation{CredentialID: id, Kind: kind, Reason: reason, RevokedBy: actor}
	already, err = l.store.RevokeCredential(ctx, r)
	if err != nil {
		return false, err
	}

	// The deny list is written even on repeats so a cache that missed the
	// first write converges.
	if err := l.deny.Add(ctx, id, 0); err != nil {
		l.logger.Warn("deny-list add failed", "credential_id", id, "error", err)
	}
	if already {
		return true, nil
	}

	l.metrics.Revoked(string(kind))
	l.audit(ctx, actor, store.AuditRevokeCredential, string(kind), id, map[string]any{
		"reason":       reason,
		"principal_id": r.PrincipalID,
	})
	if l.notifier != nil {
		l.notifier.Notify(r)
	}
	return false, nil
}

// RevokeConfig revokes a gateway or mesh config, picking the kind from the record.
func (l *Ledger) RevokeConfig(ctx context.Context, id, reason, actor string) (bool, error) {
	c, err := l.store.GetVPNConfig(ctx, id)
	if err != nil {
		return false, err
	}
	return l.Revoke(ctx, c.CredentialKind(), id, reason, actor)
}

// RevokeAPIKey revokes an API key.
func (l *Ledger) RevokeAPIKey(ctx context.Context, id, reason, actor string) (bool, error) {
	return l.Revoke(ctx, store.CredentialAPIKey, id, reason, actor)
}

// IsRevoked consults the deny list, then the ledger. A ledger hit is copied
// into the deny list.
func (l *Ledger) IsRevoked(ctx context.Context, credentialID string) (bool, error) {
	hit, err := l.deny.Contains(ctx, credentialID)
	if err != nil {
		l.logger.Warn("deny-list lookup failed", "credential_id", credentialID, "error", err)
	}
	if hit {
		return true, nil
	}
	revoked, err := l.store.IsRevoked(ctx, credentialID)
	if err != nil {
		return false, err
	}
	if revoked {
		_ = l.deny.Add(ctx, credentialID, 0)
	}
	return revoked, nil
}

// Warm loads recent ledger entries into the deny list.
func (l *Ledger) Warm(ctx context.Context) error {
	since := time.Now().UTC().Add(-l.opts.WarmWindow)
	entries, err := l.store.ListRevocations(ctx, store.RevocationFilter{Since: &since, Limit: 1000})
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = l.deny.Add(ctx, e.CredentialID, 0)
	}
	l.logger.Info("deny list warmed", "entries", len(entries))
	return nil
}

// History lists ledger entries.
func (l *Ledger) History(ctx context.Context, f store.RevocationFilter) ([]*store.Revocation, error) {
	return l.store.ListRevocations(ctx, f)
}

// Failure is one record a bulk revocation could not revoke.
type Failure struct {
	CredentialID string               `json:"credential_id"`
	Kind         store.CredentialKind `json:"kind"`
	Error        string               `json:"error"`
}

// Report summarizes a bulk revocation. Succeeded counts every config that
// ends in the revoked state, including ones that already were.
type Report struct {
	Total          int       `json:"total"`
	Succeeded      int       `json:"succeeded"`
	AlreadyRevoked int       `json:"already_revoked"`
	Failed         int       `json:"failed"`
	Failures       []Failure `json:"failures"`
}

// RevokeAll revokes every gateway and mesh config the principal holds. It is
// not atomic across records: each record is retried on its own and the
// report says which ones could not be revoked. Calling it again retries only
// what is still unrevoked.
func (l *Ledger) RevokeAll(ctx context.Context, principalID, reason, actor string) (*Report, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.New(apperr.KindValidation, "revocation reason is required")
	}
	creds, err := l.store.ListCredentials(ctx, principalID, store.CredentialVPNConfig, store.CredentialMeshConfig)
	if err != nil {
		return nil, err
	}

	report := &Report{Total: len(creds), Failures: []Failure{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)

	pending := make([]store.Credential, 0, len(creds))
	for _, c := range creds {
		if c.Revoked() {
			report.Succeeded++
			report.AlreadyRevoked++
			continue
		}
		pending = append(pending, c)
	}

	for _, c := range pending {
		g.Go(func() error {
			kind, id := c.CredentialKind(), c.CredentialID()
			err := l.revokeWithRetry(ctx, kind, id, reason, actor)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{CredentialID: id, Kind: kind, Error: apperr.MessageOf(err)})
				l.logger.Error("revoke failed after retries", "credential_id", id, "principal_id", principalID, "error", err)
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Failures, func(a, b Failure) int { return strings.Compare(a.CredentialID, b.CredentialID) })
	l.metrics.RevokeAllFailed(report.Failed)
	l.audit(ctx, actor, store.AuditRevokeAll, "principal", principalID, map[string]any{
		"reason":    reason,
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	l.logger.Info("revoke-all finished", "principal_id", principalID,
		"total", report.Total, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

func (l *Ledger) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryInitial
	b.MaxInterval = l.opts.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.opts.MaxAttempts-1)), ctx)
}

func (l *Ledger) revokeWithRetry(ctx context.Context, kind store.CredentialKind, id, reason, actor string) error {
	attempt := 0
	op := func() error {
		attempt++
		_, err := l.Revoke(ctx, kind, id, reason, actor)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound):
			// Deleted underneath us: nothing left that could authenticate.
			return nil
		case retryable(err):
			l.logger.Debug("revoke attempt failed", "credential_id", id, "attempt", attempt, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	return backoff.Retry(op, l.newBackOff(ctx))
}

func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUnavailable, apperr.KindInternal:
		return true
	}
	return false
}

// DeleteAllAPIKeys hard-deletes every API key the principal holds. Unlike
// Revoke it leaves no key rows behind.
func (l *Ledger) DeleteAllAPIKeys(ctx context.Context, principalID, actor string) (int64, error) {
	n, err := l.store.DeleteAPIKeysForPrincipal(ctx, principalID)
	if err != nil {
		return 0, err
	}
	l.audit(ctx, actor, store.AuditDeleteAPIKeys, "principal", principalID, map[string]any{"deleted": n})
	l.logger.Info("deleted api keys", "principal_id", principalID, "count", n)
	return n, nil
}

func (l *Ledger) audit(ctx context.Context, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if actor == "" {
		actor = store.ActorSystem
	}
	err := l.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		l.logger.Error("writing audit entry", "action", action, "target_id", targetID, "error", err)
	}
}
