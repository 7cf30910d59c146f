package rotation

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaultwright/secretcore/infrastructure/metrics"
	"github.com/vaultwright/secretcore/infrastructure/security"
	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/vaultstore"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

const maxFailuresBeforePause = 5

// Engine maintains the due-queue of (project,key) pairs awaiting rotation,
// runs generators, writes new versions through the vault store, and sweeps
// expired grace windows.
type Engine struct {
	mu      sync.Mutex
	store   *vaultstore.Store
	webhook *WebhookGenerator
	heap    dueHeap
	entries map[string]*dueEntry

	sem chan struct{}

	cron *cron.Cron

	bus      *eventbus.Bus
	auditLog *audit.Log
	metrics  *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink. A nil sink (the default)
// disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// NewEngine constructs an Engine. workers bounds how many rotations run
// concurrently; rotations for distinct keys proceed in parallel while each
// (project,key) rotates sequentially.
func NewEngine(store *vaultstore.Store, webhook *WebhookGenerator, workers int, bus *eventbus.Bus, auditLog *audit.Log) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:    store,
		webhook:  webhook,
		entries:  make(map[string]*dueEntry),
		sem:      make(chan struct{}, workers),
		bus:      bus,
		auditLog: auditLog,
	}
}

// Start launches the rotation sweep and grace sweep as cron `@every` jobs.
func (e *Engine) Start(rotationTick, graceTick time.Duration) error {
	e.cron = cron.New()
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", rotationTick), e.sweepRotations); err != nil {
		return vaulterr.Internal("schedule rotation sweep", err)
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", graceTick), e.sweepGrace); err != nil {
		return vaulterr.Internal("schedule grace sweep", err)
	}
	e.cron.Start()
	return nil
}

// Stop halts the cron driver. In-flight rotations are allowed to finish.
func (e *Engine) Stop() {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
}

func (e *Engine) sweepGrace() {
	e.store.SweepGrace(time.Now().UTC())
}

// sweepRotations refreshes the due-heap from current store state and
// dispatches every entry due <= now to the bounded worker pool.
func (e *Engine) sweepRotations() {
	now := time.Now().UTC()

	e.mu.Lock()
	e.refreshLocked(now)
	var due []*dueEntry
	for e.heap.Len() > 0 && !e.heap[0].nextRotationAt.After(now) {
		ent := heap.Pop(&e.heap).(*dueEntry)
		delete(e.entries, entryID(ent.project, ent.key))
		due = append(due, ent)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, ent := range due {
		wg.Add(1)
		e.sem <- struct{}{}
		go func(project, key string) {
			defer wg.Done()
			defer func() { <-e.sem }()
			_, _, _, _ = e.rotateOne(project, key)
		}(ent.project, ent.key)
	}
	wg.Wait()
}

func entryID(project, key string) string { return project + "\x00" + key }

// refreshLocked rebuilds heap entries from the store's current rotation
// policies. Must be called with e.mu held.
func (e *Engine) refreshLocked(now time.Time) {
	for _, project := range e.store.ListProjects() {
		keys, err := e.store.ListSecrets(project)
		if err != nil {
			continue
		}
		for _, key := range keys {
			secret, err := e.store.Describe(project, key)
			if err != nil || secret.RotationPolicy == nil || secret.RotationPolicy.Paused {
				continue
			}
			id := entryID(project, key)
			nextAt := secret.RotationPolicy.NextRotationAt
			if ent, ok := e.entries[id]; ok {
				if !ent.nextRotationAt.Equal(nextAt) {
					ent.nextRotationAt = nextAt
					heap.Fix(&e.heap, ent.index)
				}
			} else {
				ent := &dueEntry{project: project, key: key, nextRotationAt: nextAt}
				e.entries[id] = ent
				heap.Push(&e.heap, ent)
			}
		}
	}
}

// RotateNow performs an immediate, out-of-schedule rotation, used both by
// the access broker's action=rotate path and directly by operators/tests.
func (e *Engine) RotateNow(project, key string) (int, time.Time, int, error) {
	return e.rotateOne(project, key)
}

// rotateOne runs one (project,key) rotation: generate, upsert with grace
// semantics, compute the next rotation time, and handle transient versus
// persistent failure.
func (e *Engine) rotateOne(project, key string) (int, time.Time, int, error) {
	secret, err := e.store.Describe(project, key)
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	if secret.RotationPolicy == nil {
		return 0, time.Time{}, 0, vaulterr.New(vaulterr.CodeInput, "secret has no rotation policy").WithDetail("key", key)
	}
	policy := *secret.RotationPolicy
	priorVersion := secret.CurrentVersion

	deadline := time.Duration(policy.IntervalSeconds) * time.Second / 10
	if deadline < 5*time.Second {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	gen, err := generatorFor(policy.Generator, e.webhook)
	if err != nil {
		return 0, time.Time{}, 0, err
	}

	started := time.Now()
	value, genErr := gen.Generate(ctx, policy.Generator)
	now := time.Now().UTC()

	if genErr != nil {
		e.recordRotation(policy.Generator.Kind, "error", time.Since(started))
		return e.handleRotationFailure(project, key, policy, now, genErr)
	}

	ref, err := e.store.UpsertSecret(project, key, value, vaultstore.UpsertMeta{Source: vaultstore.SourceRotation})
	if err != nil {
		e.recordRotation(policy.Generator.Kind, "error", time.Since(started))
		return e.handleRotationFailure(project, key, policy, now, err)
	}

	policy.LastRotatedAt = &now
	policy.FailureCount = 0
	nextAt := now.Add(time.Duration(policy.IntervalSeconds) * time.Second)
	if !nextAt.After(policy.NextRotationAt) {
		// nextRotationAt never moves backwards.
		nextAt = policy.NextRotationAt.Add(time.Duration(policy.IntervalSeconds) * time.Second)
	}
	policy.NextRotationAt = nextAt
	if err := e.store.AttachRotationPolicy(project, key, policy); err != nil {
		return 0, time.Time{}, 0, err
	}

	retiresAt := now.Add(time.Duration(policy.GraceSeconds) * time.Second)
	e.recordRotation(policy.Generator.Kind, "success", time.Since(started))
	e.publish(eventbus.KindSecretRotated, project, key, ref.Version, eventbus.OutcomeSuccess, false)
	e.audit(project, key, ref.Version, audit.OutcomeSuccess, "")

	return ref.Version, retiresAt, priorVersion, nil
}

func (e *Engine) recordRotation(kind vaultstore.GeneratorKind, outcome string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordRotation("vaultd", string(kind), outcome, d)
}

// handleRotationFailure counts a surfaced failure against the policy's
// maxFailuresBeforePause budget, pausing the policy once exceeded;
// transient webhook failures are retried inside the generator itself and
// never reach here.
func (e *Engine) handleRotationFailure(project, key string, policy vaultstore.RotationPolicy, now time.Time, cause error) (int, time.Time, int, error) {
	policy.FailureCount++
	terminal := policy.FailureCount >= maxFailuresBeforePause
	if terminal {
		policy.Paused = true
	} else {
		backoff := backoffFor(policy.FailureCount)
		policy.NextRotationAt = now.Add(backoff)
	}
	_ = e.store.AttachRotationPolicy(project, key, policy)

	e.publish(eventbus.KindSecretRotated, project, key, 0, eventbus.OutcomeError, terminal)
	// Webhook failures can echo URLs or headers; scrub before the detail
	// reaches the audit log.
	e.audit(project, key, 0, audit.OutcomeError, security.SanitizeError(cause))

	return 0, time.Time{}, 0, vaulterr.Wrap(vaulterr.CodeIO, "rotation failed", cause)
}

// backoffFor computes exponential backoff between failed rotation attempts
// (base 30s, doubling, capped at an hour, jitter +/-20% so a batch of
// failing policies does not reschedule onto the same instant).
func backoffFor(failureCount int) time.Duration {
	const (
		base    = 30 * time.Second
		ceiling = time.Hour
		jitter  = 0.2
	)
	d := base
	for i := 1; i < failureCount && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}

func (e *Engine) publish(kind eventbus.Kind, project, key string, version int, outcome eventbus.Outcome, terminal bool) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: kind, Project: project, Key: key, Version: version, Outcome: outcome, Terminal: terminal})
}

func (e *Engine) audit(project, key string, version int, outcome audit.Outcome, details string) {
	if e.auditLog == nil {
		return
	}
	_, _ = e.auditLog.Append(audit.Entry{
		EventKind: string(eventbus.KindSecretRotated),
		Project:   project,
		Key:       key,
		Version:   version,
		Outcome:   outcome,
		Details:   details,
	})
}
