package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/scoreengine/internal/clock"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/extractor"
	"github.com/sawpanic/scoreengine/internal/metrics"
	"github.com/sawpanic/scoreengine/internal/resilience"
	"github.com/sawpanic/scoreengine/internal/store"
	"github.com/sawpanic/scoreengine/internal/store/memory"
	"github.com/sawpanic/scoreengine/internal/store/postgres"
	"github.com/sawpanic/scoreengine/internal/verification"
)

const (
	appName = "scoreengine"
	version = "v0.1.0"
)

// engine bundles everything a subcommand needs, assembled once in
// PersistentPreRunE from flags.
type engine struct {
	backend      store.Backend
	pg           *postgres.Store
	snapshots    *store.SnapshotStore
	orchestrator *verification.Orchestrator
	watcher      *config.Watcher
	redis        *redis.Client
}

var (
	flagDSN        string
	flagConfigPath string
	flagSubject    string
	flagRedisAddr  string
	eng            *engine
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Event-sourced Signal/Canonical scoring engine for startup subjects",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupEngine()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return teardownEngine()
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "Postgres DSN; empty uses the in-memory backend")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config/engine.yaml", "Path to engine config YAML")
	rootCmd.PersistentFlags().StringVar(&flagSubject, "subject", "", "Subject id to operate on")
	rootCmd.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", "", "Redis address for config refresh pub/sub; empty disables config watching")

	rootCmd.AddCommand(
		newSubmitActionCmd(),
		newSubmitEvidenceCmd(),
		newUpgradeVerificationCmd(),
		newResolveInconsistencyCmd(),
		newRecomputeSnapshotCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("scoreengine exited with error")
	}
}

func setupEngine() error {
	var redisClient *redis.Client
	if flagRedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: flagRedisAddr})
		log.Info().Str("addr", flagRedisAddr).Msg("using redis for config refresh")
	}

	watcher, err := config.NewWatcher(flagConfigPath, redisClient)
	if err != nil {
		log.Warn().Err(err).Str("path", flagConfigPath).Msg("failed to load engine config, falling back to defaults")
		watcher = nil
	}
	cfg := config.Default()
	if watcher != nil {
		cfg = watcher.Current()
		go watcher.Watch(context.Background())
	}

	var backend store.Backend
	var pg *postgres.Store
	if flagDSN != "" {
		pg, err = postgres.Open(postgres.Config{DSN: flagDSN, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour})
		if err != nil {
			return fmt.Errorf("open postgres backend: %w", err)
		}
		backend = pg
		log.Info().Msg("using postgres backend")
	} else {
		backend = memory.New()
		log.Info().Msg("using in-memory backend (no --dsn given)")
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	clk := clock.System{}
	snapshots := store.NewSnapshotStore(backend, cfg, clk, m)

	limiter := resilience.NewSubjectLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	ext := resilience.NewBreakingExtractor(extractor.Noop{}, appName+".evidence_extractor")
	orchestrator := verification.NewOrchestrator(backend, snapshots, ext, clk, cfg, m, limiter)

	eng = &engine{backend: backend, pg: pg, snapshots: snapshots, orchestrator: orchestrator, watcher: watcher, redis: redisClient}
	return nil
}

func teardownEngine() error {
	if eng == nil {
		return nil
	}
	if eng.redis != nil {
		if err := eng.redis.Close(); err != nil {
			return err
		}
	}
	if eng.pg != nil {
		return eng.pg.Close()
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireSubject() error {
	if flagSubject == "" {
		return fmt.Errorf("--subject is required")
	}
	return nil
}

func newSubmitActionCmd() *cobra.Command {
	var (
		actor      string
		actionType string
		title      string
		details    string
		impact     string
		mrrDelta   float64
		customer   string
	)
	cmd := &cobra.Command{
		Use:   "submit-action",
		Short: "Submit a founder-declared action event and apply its provisional lift",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSubject(); err != nil {
				return err
			}
			var fields domain.ActionFields
			if mrrDelta != 0 {
				fields.MRRDeltaUSD = &mrrDelta
			}
			fields.CustomerName = customer

			result, err := eng.orchestrator.SubmitAction(cmd.Context(), verification.SubmitActionInput{
				Subject:     flagSubject,
				Actor:       actor,
				Type:        domain.ActionType(actionType),
				Title:       title,
				Details:     details,
				OccurredAt:  time.Now(),
				ImpactGuess: domain.ImpactGuess(impact),
				Fields:      fields,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who submitted the action")
	cmd.Flags().StringVar(&actionType, "type", "", "Action type (revenue|product|hiring|funding|partnership|press|milestone|other)")
	cmd.Flags().StringVar(&title, "title", "", "Short title")
	cmd.Flags().StringVar(&details, "details", "", "Free-text details")
	cmd.Flags().StringVar(&impact, "impact", "medium", "Impact guess (low|medium|high)")
	cmd.Flags().Float64Var(&mrrDelta, "mrr-delta", 0, "MRR delta in USD, if applicable")
	cmd.Flags().StringVar(&customer, "customer", "", "Customer name, if applicable")
	return cmd
}

func newSubmitEvidenceCmd() *cobra.Command {
	var (
		actionID     string
		evidenceType string
		ref          string
	)
	cmd := &cobra.Command{
		Use:   "submit-evidence",
		Short: "Submit an evidence artifact and apply any resulting verified lift",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSubject(); err != nil {
				return err
			}
			in := verification.SubmitEvidenceInput{
				Subject: flagSubject,
				Type:    domain.EvidenceType(evidenceType),
				Ref:     ref,
			}
			if actionID != "" {
				in.ActionID = &actionID
			}
			result, err := eng.orchestrator.SubmitEvidence(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action id to attach evidence to directly; omit to auto-match")
	cmd.Flags().StringVar(&evidenceType, "type", "", "Evidence type (oauth_connector|webhook_event|document_upload|bank_transaction|public_link|screenshot|email_proof|manual_review_note)")
	cmd.Flags().StringVar(&ref, "ref", "", "Evidence reference (URL, provider name, file id)")
	return cmd
}

func newUpgradeVerificationCmd() *cobra.Command {
	var (
		actionID string
		tier     string
	)
	cmd := &cobra.Command{
		Use:   "upgrade-verification",
		Short: "Manually grant a verification tier to an action (e.g. curator override to trusted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSubject(); err != nil {
				return err
			}
			snap, err := eng.orchestrator.UpgradeVerification(cmd.Context(), flagSubject, actionID, domain.VerificationTier(tier))
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action id to upgrade")
	cmd.Flags().StringVar(&tier, "tier", "", "Verification tier (unverified|soft_verified|verified|trusted)")
	return cmd
}

func newResolveInconsistencyCmd() *cobra.Command {
	var (
		actionID    string
		explanation string
		evidenceID  string
	)
	cmd := &cobra.Command{
		Use:   "resolve-inconsistency",
		Short: "Resolve a flagged inconsistency, applying its verification boost and clearing the blocker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSubject(); err != nil {
				return err
			}
			var evidenceIDPtr *string
			if evidenceID != "" {
				evidenceIDPtr = &evidenceID
			}
			result, err := eng.orchestrator.ResolveInconsistency(cmd.Context(), flagSubject, actionID, explanation, evidenceIDPtr, nil)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action id the inconsistency was raised against")
	cmd.Flags().StringVar(&explanation, "explanation", "", "Verifier's explanation for the resolution")
	cmd.Flags().StringVar(&evidenceID, "evidence-id", "", "Supporting evidence id, if any")
	return cmd
}

func newRecomputeSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute-snapshot",
		Short: "Force a system-triggered recompute for a subject outside of action/evidence intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSubject(); err != nil {
				return err
			}
			var snap *domain.ScoreSnapshot
			err := eng.backend.WithSubjectLock(context.Background(), flagSubject, func(ctx context.Context) error {
				s, err := eng.snapshots.Recompute(ctx, flagSubject, domain.TriggerSystem, nil)
				if err != nil {
					return err
				}
				snap = s
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema (requires --dsn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eng.pg == nil {
				return fmt.Errorf("migrate requires --dsn")
			}
			return eng.pg.Migrate(cmd.Context())
		},
	}
}
