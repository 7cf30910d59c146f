// Command vaultd is the composition root for the local-first,
// project-scoped secrets vault: it opens (or initializes) a vault file,
// starts the rotation engine and event bus, issues a scoped token, and
// exercises an Access call end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultwright/secretcore/infrastructure/metrics"
	"github.com/vaultwright/secretcore/internal/audit"
	"github.com/vaultwright/secretcore/internal/broker"
	"github.com/vaultwright/secretcore/internal/config"
	"github.com/vaultwright/secretcore/internal/eventbus"
	"github.com/vaultwright/secretcore/internal/obslog"
	"github.com/vaultwright/secretcore/internal/rotation"
	"github.com/vaultwright/secretcore/internal/token"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaulterr"
	"github.com/vaultwright/secretcore/internal/vaultfile"
	"github.com/vaultwright/secretcore/internal/vaultstore"
)

func main() {
	if err := run(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	recipientID := flag.String("recipient", "operator", "passphrase recipient id used to unlock/create the vault")
	passphrase := flag.String("passphrase", "", "operator passphrase (required)")
	demoProject := flag.String("project", "svcA", "project created by the demo flow")
	demoKey := flag.String("key", "DB_PASSWORD", "secret key created by the demo flow")
	demoValue := flag.String("value", "p@ss-1", "initial secret value for the demo flow")
	flag.Parse()

	if *passphrase == "" {
		flag.Usage()
		return fmt.Errorf("--passphrase is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obslog.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	bus := eventbus.New(cfg.EventQueueDepth, eventbus.ParsePolicy(string(cfg.Overflow())))

	auditLog, err := audit.Open(cfg.AuditDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	store, err := openOrInitStore(cfg, *recipientID, *passphrase, bus, auditLog)
	if err != nil {
		return fmt.Errorf("open vault store: %w", err)
	}
	defer store.Close()

	if err := seedPolicies(store, cfg.PolicyPath); err != nil {
		return fmt.Errorf("seed principal policies: %w", err)
	}

	keys, err := vaultcrypto.GenerateTokenKeyPair()
	if err != nil {
		return fmt.Errorf("generate token signing key: %w", err)
	}
	policies := token.PolicyLookupFunc(func(principal string) (token.Policy, bool) {
		p, ok := store.PrincipalPolicy(principal)
		if !ok {
			return token.Policy{}, false
		}
		actions := make([]token.Action, len(p.MaxActions))
		for i, a := range p.MaxActions {
			actions[i] = token.Action(a)
		}
		return token.Policy{Projects: p.Projects, MaxKeysPerToken: p.MaxKeysPerToken, MaxActions: actions, MaxTTL: p.MaxTTL}, true
	})
	issuer := token.NewIssuer(keys, policies, cfg.TMaxRead, cfg.TMaxRotate, bus, auditLog)
	validator := token.NewValidator(issuer, bus, auditLog)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("vaultd")
	}

	engine := rotation.NewEngine(store, nil, cfg.RotationWorkers, bus, auditLog)
	engine.SetMetrics(m)
	if err := engine.Start(cfg.RotationTick, cfg.GraceTick); err != nil {
		return fmt.Errorf("start rotation engine: %w", err)
	}
	defer engine.Stop()

	brk := broker.New(validator, store, engine, float64(cfg.AccessRPS), cfg.AccessBurst, bus, auditLog)
	brk.SetMetrics(m)

	return demo(ctx, logger, store, issuer, brk, *demoProject, *demoKey, *demoValue)
}

// demo creates a project, upserts a secret, issues a read token scoped to
// it, and accesses the value through the broker.
func demo(ctx context.Context, logger *obslog.Logger, store *vaultstore.Store, issuer *token.Issuer, brk *broker.Broker, project, key, value string) error {
	if err := store.PutPrincipalPolicy(vaultstore.PrincipalPolicy{
		Principal:       project,
		Projects:        []string{project},
		MaxKeysPerToken: 10,
		MaxActions:      []string{"read", "rotate"},
		MaxTTL:          time.Hour,
	}); err != nil {
		return err
	}

	if _, err := store.CreateProject(project, ""); err != nil && !vaulterr.Is(err, vaulterr.CodeConflict) {
		return err
	}
	ref, err := store.UpsertSecret(project, key, []byte(value), vaultstore.UpsertMeta{})
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}

	bearer, expiresAt, err := issuer.Issue(project, token.Scope{Project: project, Keys: []string{key}, Actions: []token.Action{token.ActionRead}}, time.Hour, nil)
	if err != nil {
		return err
	}

	resp, err := brk.Access(ctx, bearer, broker.Request{Project: project, Key: key, Action: token.ActionRead})
	if err != nil {
		return err
	}

	logger.WithProject(ctx, project, key).WithField("version", ref.Version).WithField("token_expires_at", expiresAt).
		Info("demo access succeeded")
	fmt.Printf("secret %s/%s = %q (version %d)\n", project, key, resp.Value, resp.Version)
	return nil
}

// seedPolicies loads principal policy rows from a YAML file into the vault
// document. Rows already present in the document win over the seed file.
func seedPolicies(store *vaultstore.Store, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var rows []vaultstore.PrincipalPolicy
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		if _, exists := store.PrincipalPolicy(row.Principal); exists {
			continue
		}
		if err := store.PutPrincipalPolicy(row); err != nil {
			return err
		}
	}
	return nil
}

func openOrInitStore(cfg *config.Config, recipientID, passphrase string, bus *eventbus.Bus, auditLog *audit.Log) (*vaultstore.Store, error) {
	opts := vaultstore.Options{NRetain: cfg.NRetain, Bus: bus, AuditLog: auditLog}
	if vaultfile.Exists(cfg.VaultPath) {
		return vaultstore.Load(cfg.VaultPath, vaultfile.UnlockMaterial{RecipientID: recipientID, Passphrase: passphrase}, opts)
	}
	return vaultstore.Init(cfg.VaultPath, recipientID, passphrase, opts)
}
