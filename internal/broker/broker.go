package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vaultwright/secretcore/infrastructure/metrics"
	"github.com/vaultwright/secretcore/infrastructure/security"
	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/token"
	"github.com/vaultwright/secretcore/internal/vaulterr"
	"github.com/vaultwright/secretcore/internal/vaultstore"
)

// Broker mediates every external read and rotate request.
type Broker struct {
	validator *token.Validator
	store     *vaultstore.Store
	rotator   Rotator

	group    singleflight.Group
	limiters *perPrincipalLimiters

	bus      *eventbus.Bus
	auditLog *audit.Log
	metrics  *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink. Safe to call once before
// the broker serves traffic; a nil sink (the default) disables recording.
func (b *Broker) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// New constructs a Broker. rotator may be nil until a rotation engine is
// wired in; action=rotate then fails with a plain internal error rather
// than panicking.
func New(validator *token.Validator, store *vaultstore.Store, rotator Rotator, rps float64, burst int, bus *eventbus.Bus, auditLog *audit.Log) *Broker {
	return &Broker{
		validator: validator,
		store:     store,
		rotator:   rotator,
		limiters:  newPerPrincipalLimiters(rps, burst),
		bus:       bus,
		auditLog:  auditLog,
	}
}

// Access is the single entry point for the read and rotate paths:
// validate, authorize, decrypt (or rotate), audit, publish.
func (b *Broker) Access(ctx context.Context, bearer string, req Request) (Response, error) {
	claims, err := b.validator.Validate(bearer, token.Want{Project: req.Project, Key: req.Key, Action: req.Action})
	if err != nil {
		return Response{}, err
	}

	if !b.limiters.allow(claims.Principal) {
		b.deny(claims, req, "rate limit exceeded")
		return Response{}, vaulterr.New(vaulterr.CodeAuth, "rate limit exceeded").WithDetail("principal", claims.Principal)
	}

	desc, err := b.store.Describe(req.Project, req.Key)
	if err != nil {
		b.deny(claims, req, err.Error())
		return Response{}, err
	}
	if desc.Classification == vaultstore.ClassificationRestricted && !req.MFA {
		b.deny(claims, req, "mfa required for restricted classification")
		return Response{}, vaulterr.MFARequired()
	}

	if err := ctx.Err(); err != nil {
		b.deny(claims, req, "deadline exceeded before decryption")
		return Response{}, vaulterr.DeadlineExceeded("access")
	}

	switch req.Action {
	case token.ActionRead:
		return b.accessRead(ctx, claims, req)
	case token.ActionRotate:
		return b.accessRotate(claims, req)
	default:
		return Response{}, vaulterr.New(vaulterr.CodeInput, "unsupported action").WithDetail("action", string(req.Action))
	}
}

func coalesceKey(project, key string, version *int) string {
	if version == nil {
		return project + "\x00" + key + "\x00active"
	}
	return fmt.Sprintf("%s\x00%s\x00%d", project, key, *version)
}

// accessRead coalesces concurrent reads for the same (project,key,version)
// via singleflight so exactly one decryption occurs per batch; every waiter
// receives the same bytes and still gets its own audit entry.
func (b *Broker) accessRead(ctx context.Context, claims token.Claims, req Request) (Response, error) {
	key := coalesceKey(req.Project, req.Key, req.Version)
	start := time.Now()

	type result struct {
		plaintext   []byte
		version     int
		checksum    []byte
		expiresHint time.Time
	}

	// Only the caller whose function runs performs the decryption; it alone
	// records the decryption metric.
	decrypted := false
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		decrypted = true
		r, err := b.store.RevealSecret(req.Project, req.Key, req.Version)
		if err != nil {
			return nil, err
		}
		return result{plaintext: r.Plaintext, version: r.Version, checksum: r.Checksum, expiresHint: r.ExpiresHint}, nil
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, vaulterr.DeadlineExceeded("access")
	}

	if err != nil {
		b.audit(claims.Principal, claims.TokenID, req, audit.OutcomeError, 0, nil)
		b.publish(eventbus.KindSecretRevealedFailed, claims.Principal, req, 0, eventbus.OutcomeError)
		if decrypted {
			b.recordDecryption(req.Project, "error", time.Since(start))
		}
		return Response{}, err
	}

	r := v.(result)
	b.audit(claims.Principal, claims.TokenID, req, audit.OutcomeSuccess, r.version, r.checksum)
	b.publish(eventbus.KindSecretAccessed, claims.Principal, req, r.version, eventbus.OutcomeSuccess)
	if decrypted {
		b.recordDecryption(req.Project, "success", time.Since(start))
	}

	return Response{Value: r.plaintext, Version: r.version, Checksum: r.checksum, ExpiresHint: r.expiresHint}, nil
}

func (b *Broker) recordDecryption(project, outcome string, d time.Duration) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordDecryption("vaultd", project, outcome, d)
}

func (b *Broker) accessRotate(claims token.Claims, req Request) (Response, error) {
	if b.rotator == nil {
		return Response{}, vaulterr.Internal("rotation engine not wired", nil)
	}
	newVersion, retiresAt, _, err := b.rotator.RotateNow(req.Project, req.Key)
	if err != nil {
		b.audit(claims.Principal, claims.TokenID, req, audit.OutcomeError, 0, nil)
		b.publish(eventbus.KindSecretRotated, claims.Principal, req, 0, eventbus.OutcomeError)
		return Response{}, err
	}
	b.audit(claims.Principal, claims.TokenID, req, audit.OutcomeSuccess, newVersion, nil)
	b.publish(eventbus.KindSecretRotated, claims.Principal, req, newVersion, eventbus.OutcomeSuccess)
	// ExpiresHint carries when the demoted prior version leaves its grace
	// window.
	return Response{Version: newVersion, ExpiresHint: retiresAt}, nil
}

func (b *Broker) deny(claims token.Claims, req Request, reason string) {
	b.auditDetail(claims.Principal, claims.TokenID, req, audit.OutcomeDenied, 0, nil, security.SanitizeString(reason))
	b.publish(eventbus.KindSecretRevealedFailed, claims.Principal, req, 0, eventbus.OutcomeDenied)
}

func (b *Broker) audit(principal, tokenID string, req Request, outcome audit.Outcome, version int, checksum []byte) {
	b.auditDetail(principal, tokenID, req, outcome, version, checksum, "")
}

func (b *Broker) auditDetail(principal, tokenID string, req Request, outcome audit.Outcome, version int, checksum []byte, details string) {
	if b.auditLog == nil {
		return
	}
	_, _ = b.auditLog.Append(audit.Entry{
		EventKind: string(req.Action),
		Principal: principal,
		TokenID:   tokenID,
		Project:   req.Project,
		Key:       req.Key,
		Version:   version,
		Checksum:  checksum,
		Outcome:   outcome,
		Details:   details,
	})
}

func (b *Broker) publish(kind eventbus.Kind, principal string, req Request, version int, outcome eventbus.Outcome) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Kind: kind, Actor: principal, Project: req.Project, Key: req.Key, Version: version, Outcome: outcome})
}
