// SDR daemon: polls inbound channels, runs the reply pipeline, sends
// approved drafts, works the follow-up cadence, and learns from human
// edits. All approval happens in the CRM; the daemon only observes and
// executes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"google.golang.org/api/gmail/v1"

	"github.com/growlancer/sdr/internal/ai"
	"github.com/growlancer/sdr/internal/api"
	"github.com/growlancer/sdr/internal/config"
	"github.com/growlancer/sdr/internal/connections"
	"github.com/growlancer/sdr/internal/crm"
	"github.com/growlancer/sdr/internal/dedup"
	"github.com/growlancer/sdr/internal/enrichment"
	"github.com/growlancer/sdr/internal/followup"
	"github.com/growlancer/sdr/internal/learning"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/outbound"
	"github.com/growlancer/sdr/internal/pipeline"
	"github.com/growlancer/sdr/internal/scheduler"
	"github.com/growlancer/sdr/internal/sending"
	"github.com/growlancer/sdr/internal/sources"
	"github.com/growlancer/sdr/internal/storage"
)

var (
	configPath       string
	envPath          string
	salesContextPath string
	logLevel         string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdrd",
		Short: "SDR automation daemon",
		Long: `sdrd watches Gmail and LinkedIn for inbound leads, classifies and
drafts replies into the CRM for human approval, sends what gets
approved, follows up with leads that go quiet, and distills the
human's edits into drafting rules.`,
		RunE: runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default <data-dir>/config.yaml)")
	rootCmd.Flags().StringVar(&envPath, "env", "", "path to .env file with secrets")
	rootCmd.Flags().StringVar(&salesContextPath, "sales-context", "./config/sales_context.yaml", "path to sales_context.yaml")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	switch logLevel {
	case "debug":
		logging.SetLevel(logging.DEBUG)
	case "warn":
		logging.SetLevel(logging.WARN)
	case "error":
		logging.SetLevel(logging.ERROR)
	default:
		logging.SetLevel(logging.INFO)
	}
	// Structured output when logs go to a file or collector.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		logging.SetJSON(true)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupLogging()
	log := logging.WithField("component", "daemon")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	secrets := config.LoadSecrets(envPath)
	if missing := secrets.Validate(); len(missing) > 0 {
		return fmt.Errorf("missing required secrets: %v", missing)
	}

	salesCtx, err := config.LoadSalesContext(salesContextPath)
	if err != nil {
		return fmt.Errorf("load sales context: %w", err)
	}
	salesContext := salesCtx.Format()
	if salesContext == "" {
		log.Warn("sales context is empty, prompts will lack persona and ICP detail")
	}

	// Local state
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	ledger := storage.NewLedgerStore(db)
	rules := storage.NewRuleStore(db)
	audits := storage.NewAuditStore(db)
	states := storage.NewSourceStateStore(db)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelStartup()

	// CRM
	airtable := crm.NewAirtable(crm.Config{
		APIKey: secrets.AirtableAPIKey,
		BaseID: secrets.AirtableBaseID,
	})
	if err := airtable.EnsureSchema(startupCtx); err != nil {
		return fmt.Errorf("verify CRM schema: %w", err)
	}
	log.Info("CRM schema verified")

	// AI components
	classifier := ai.NewClassifier(ai.NewClient(ai.Config{
		APIKey: secrets.AnthropicAPIKey,
		Model:  cfg.Classification.Model,
	}), salesContext, cfg.Classification.Temperature)

	replyDrafter := ai.NewDrafter(ai.NewClient(ai.Config{
		APIKey: secrets.AnthropicAPIKey,
		Model:  cfg.ReplyDrafting.Model,
	}), salesContext, cfg.ReplyDrafting.Temperature, cfg.ReplyDrafting.SelfCritiqueEnabled)

	followupDrafter := ai.NewDrafter(ai.NewClient(ai.Config{
		APIKey: secrets.AnthropicAPIKey,
		Model:  cfg.FollowUp.Model,
	}), salesContext, cfg.FollowUp.Temperature, false)

	// Enrichment cascade, skipped entirely when disabled
	var enricher enrichment.Enricher
	if cfg.Enrichment.Enabled {
		cascade := enrichment.NewCascade(enrichment.CascadeConfig{
			RapidAPIKey:      secrets.RapidAPIKey,
			ApolloAPIKey:     secrets.ApolloAPIKey,
			PerplexityAPIKey: secrets.PerplexityAPIKey,
		})
		if cascade.IsAvailable() {
			enricher = cascade
		} else {
			log.Warn("enrichment enabled but no provider keys configured")
		}
	}

	// Inbound sources
	var pollers []sources.Source
	if secrets.HasGmail() {
		svc, err := sources.LoadGmailService(startupCtx, secrets.GmailCredentialsPath, secrets.GmailTokenPath)
		if err != nil {
			log.Warn("gmail not available: %v (run `sdrctl auth gmail`)", err)
		} else {
			pollers = append(pollers, sources.NewGmailSource(svc, states, cfg.Polling.GmailMaxResults))
			log.Info("gmail source configured")
		}
	}
	var linkedin *sources.LinkedInSource
	if secrets.HasLinkedIn() {
		linkedin = sources.NewLinkedInSource(sources.LinkedInConfig{
			DSN:    secrets.UnipileDSN,
			APIKey: secrets.UnipileAPIKey,
			States: states,
			Ledger: ledger,
		})
		pollers = append(pollers, linkedin)
		log.Info("linkedin source configured")
	}
	if len(pollers) == 0 {
		log.Warn("no inbound sources configured, daemon will only process CRM-side work")
	}

	breaker := sources.NewCircuitBreaker(
		cfg.ErrorHandling.CircuitBreakerThreshold,
		time.Duration(cfg.ErrorHandling.CircuitBreakerCooldownSeconds)*time.Second,
	)

	// Pipeline and engines
	pipe := pipeline.New(pipeline.Config{
		CRM:        airtable,
		Dedup:      dedup.NewMatcher(airtable),
		Classifier: classifier,
		Drafter:    replyDrafter,
		Enricher:   enricher,
		Ledger:     ledger,
		Rules:      rules,
		Audits:     audits,
	})

	sender := sending.NewMessageSender(sending.SenderConfig{
		Gmail:         gmailServiceOf(pollers),
		UnipileDSN:    secrets.UnipileDSN,
		UnipileAPIKey: secrets.UnipileAPIKey,
		Limiter: sending.NewLimiter(
			cfg.Sending.RateLimit.GmailPerHour,
			cfg.Sending.RateLimit.LinkedInPerHour,
		),
	})
	outboundEngine := outbound.New(airtable, sender)
	followupEngine := followup.New(airtable, followupDrafter, rules, cfg.FollowUp)

	learner := learning.New(learning.Config{
		Client: ai.NewClient(ai.Config{
			APIKey: secrets.AnthropicAPIKey,
			Model:  cfg.Classification.Model,
		}),
		CRM:          airtable,
		Rules:        rules,
		Audits:       audits,
		SalesContext: salesContext,
		Temperature:  cfg.Classification.Temperature,
	})

	var connHandler *connections.Handler
	if secrets.HasLinkedIn() {
		connHandler = connections.New(connections.Config{
			UnipileDSN:    secrets.UnipileDSN,
			UnipileAPIKey: secrets.UnipileAPIKey,
			Evaluator: ai.NewConnectionEvaluator(ai.NewClient(ai.Config{
				APIKey: secrets.AnthropicAPIKey,
				Model:  cfg.Classification.Model,
			}), salesContext, cfg.Classification.Temperature),
			CRM:           airtable,
			AutoAccept:    cfg.Connections.AutoAccept,
			MinConfidence: cfg.Connections.MinICPConfidence,
		})
	}

	// Schedule
	sched := scheduler.New("")
	interval := time.Duration(cfg.Polling.IntervalSeconds) * time.Second

	pollTask := func(ctx context.Context) error {
		return pollSources(ctx, pollers, breaker, pipe)
	}
	if err := sched.AddInterval("inbound_poll", interval, 4*time.Minute, true, pollTask); err != nil {
		return err
	}
	if err := sched.AddInterval("outbound_send", interval, 4*time.Minute, true, func(ctx context.Context) error {
		outboundEngine.ProcessApproved(ctx)
		return nil
	}); err != nil {
		return err
	}
	if connHandler != nil {
		if err := sched.AddInterval("connections", interval, 4*time.Minute, true, func(ctx context.Context) error {
			connHandler.ProcessRequests(ctx)
			return nil
		}); err != nil {
			return err
		}
	}
	if cfg.FollowUp.Enabled {
		if err := sched.AddDaily("followup_cycle", cfg.FollowUp.ScheduleTime, 10*time.Minute, func(ctx context.Context) error {
			followupEngine.RunCycle(ctx)
			return nil
		}); err != nil {
			return err
		}
	}
	if cfg.Learning.Enabled {
		if err := sched.AddDaily("learning_cycle", cfg.Learning.ScheduleTime, 10*time.Minute, func(ctx context.Context) error {
			_, err := learner.RunCycle(ctx, cfg.Learning.LookbackDays, cfg.Learning.MaxActiveRules, cfg.Learning.MinMessagesForAnalysis)
			return err
		}); err != nil {
			return err
		}
	}

	// Ops server
	var opsServer *api.Server
	if cfg.API.Enabled {
		opsServer = api.New(api.Config{
			Host:      cfg.API.Host,
			Port:      cfg.API.Port,
			Scheduler: sched,
			Breaker:   breaker,
			Rules:     rules,
			Audits:    audits,
		})
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("ops server failed: %v", err)
			}
		}()
	}

	log.WithFields(map[string]interface{}{
		"data_dir":      cfg.DataDir,
		"poll_interval": interval.String(),
		"sources":       len(pollers),
		"followup":      cfg.FollowUp.Enabled,
		"learning":      cfg.Learning.Enabled,
		"connections":   connHandler != nil,
		"api_enabled":   cfg.API.Enabled,
	}).Info("daemon starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	sched.Stop()
	if opsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := opsServer.Stop(shutdownCtx); err != nil {
			log.Warn("ops server shutdown: %v", err)
		}
	}
	return nil
}

// pollSources runs one inbound poll across every source, guarded by
// the circuit breaker. A failing source trips its own circuit without
// touching the others.
func pollSources(ctx context.Context, pollers []sources.Source, breaker *sources.CircuitBreaker, pipe *pipeline.Pipeline) error {
	log := logging.WithField("component", "daemon")

	for _, src := range pollers {
		name := src.Name()
		if breaker.IsOpen(name) {
			log.WithField("source", name).Debug("circuit open, skipping poll")
			continue
		}
		if !src.IsAvailable(ctx) {
			log.WithField("source", name).Warn("source unavailable")
			breaker.RecordFailure(name)
			continue
		}

		msgs, err := src.Poll(ctx)
		if err != nil {
			log.WithField("source", name).Error("poll failed: %v", err)
			breaker.RecordFailure(name)
			continue
		}
		breaker.RecordSuccess(name)

		if len(msgs) == 0 {
			continue
		}
		stats := pipe.ProcessBatch(ctx, msgs)
		log.WithFields(map[string]interface{}{
			"source":  name,
			"total":   stats.Total,
			"created": stats.Created,
			"skipped": stats.Skipped,
			"failed":  stats.Failed,
		}).Info("poll cycle processed")
	}
	return nil
}

// gmailServiceOf digs the Gmail API handle back out of the poller list
// so the sender reuses the authorized client.
func gmailServiceOf(pollers []sources.Source) *gmail.Service {
	for _, src := range pollers {
		if g, ok := src.(*sources.GmailSource); ok {
			return g.Service()
		}
	}
	return nil
}
