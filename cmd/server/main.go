package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/oddside/backend/internal/api"
	"github.com/oddside/backend/internal/automation"
	"github.com/oddside/backend/internal/chat"
	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/config"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/feedback"
	"github.com/oddside/backend/internal/hostupdates"
	"github.com/oddside/backend/internal/intent"
	"github.com/oddside/backend/internal/jobs"
	"github.com/oddside/backend/internal/llm"
	"github.com/oddside/backend/internal/payments"
	"github.com/oddside/backend/internal/scheduling"
	"github.com/oddside/backend/internal/store"
)

func main() {
	log.Println("🚀 Starting ODDSIDE automation backend...")
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("🛑 Config load failed: %v", err)
	}

	ck := clock.Real{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("🛑 Postgres connection failed: %v", err)
		}
		st = pg
		log.Println("✅ Postgres store ready")
	default:
		st = store.NewMemory()
		log.Println("⚠️  Using in-memory store; data will not survive restarts")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("🛑 Redis ping failed: %v", err)
		}
		log.Println("✅ Redis connected")
	}

	// 2. Event bus
	baseBus := events.NewBus(st)
	var bus events.Emitter = baseBus
	var pubsubBus *events.PubSubBus
	if cfg.PubSub.Enabled {
		pb, err := events.NewPubSubBus(st, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("🛑 Pub/Sub bus init failed: %v", err)
		}
		pubsubBus = pb
		baseBus = pb.Bus
		bus = pb
		log.Printf("✅ Pub/Sub mirroring to %s/%s", cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
	}

	// 3. Delivery
	var idem delivery.IdempotencyStore
	if rdb != nil {
		idem = delivery.NewRedisIdempotency(rdb, 72*time.Hour)
	} else {
		idem = delivery.NewMemoryIdempotency()
	}
	notifier := delivery.NewStoreNotifier(st, idem)
	email := delivery.NewStoreEmailSender(st, idem)
	chatPoster := delivery.NewStoreChatPoster(st, idem)

	var llmClient llm.Client = llm.Disabled{}
	if cfg.LLM.Enabled {
		llmClient = llm.NewHTTP(cfg.LLM.Endpoint, cfg.LLM.Model, time.Duration(cfg.LLM.TimeoutMs)*time.Millisecond)
		log.Printf("✅ LLM client ready (%s)", cfg.LLM.Model)
	}

	// 4. Engagement
	detector := engagement.NewDetector(st, ck)
	engPolicy := engagement.NewPolicy(st, ck)
	planner := engagement.NewPlanner(st, ck, engPolicy, bus)
	digest := engagement.NewDigest(st, ck, engPolicy, email)
	scorer := engagement.NewScorer(st, ck)

	// 5. Payments
	hosts := hostupdates.NewChannel(st, ck, notifier)
	reconciler := payments.NewReconciler(st, ck, rdb)
	scanner := payments.NewScanner(st, ck)
	payPolicy := payments.NewPolicy(st, ck)
	escalator := payments.NewEscalator(st, ck, notifier)
	chronic := payments.NewChronicDetector(st, ck)
	anomalies := payments.NewAnomalyDetector(st)
	consolidator := payments.NewConsolidator(st)
	kpis := payments.NewKPIs(st, ck)
	payReminders := payments.NewReminders(st, ck, scanner, payPolicy, escalator, chronic, notifier, hosts)

	// 6. Automation engine
	autoPolicy := automation.NewPolicy(st, ck)
	actions := automation.NewActions(st, ck, notifier, email, chatPoster)
	runner := automation.NewRunner(st, ck, autoPolicy, actions, notifier)

	// 7. Feedback
	classifier := feedback.NewClassifier(llmClient, cfg.LLM.Model)
	fixer := feedback.NewAutoFixer(st, ck, feedback.NewFixPolicy(st, ck))
	pipeline := feedback.NewPipeline(st, ck, classifier, fixer, baseBus)
	surveys := feedback.NewSurveys(st, ck, notifier)

	// 8. Chat
	watcher := chat.NewWatcher(st, ck, rdb)
	smart := scheduling.NewSmart(st, ck, nil, scheduling.NewFixedHolidays())
	proactive := chat.NewProactive(st, ck, smart, chatPoster)
	engine := intent.NewEngine(st, ck, time.Now().UnixNano())
	responder := chat.NewResponder(watcher, engine, llmClient, chatPoster)

	// 9. Job queue
	queue := jobs.NewQueue(st, ck)
	scans := jobs.NewScans(st, ck, notifier)
	scheduler := jobs.NewScheduler(queue, st, ck, cfg.Schedulers, detector)
	jobs.NewHandlers(st, cfg.Schedulers, planner, digest, surveys, scans).RegisterAll(scheduler)

	// 10. Event wiring
	for trigger := range events.TriggerTypes {
		baseBus.RegisterTrigger(trigger, "automation-fanout", runner.HandleEvent)
	}
	baseBus.Register(events.TypeGroupMessage, "chat-responder", responder.HandleMessage)

	baseBus.Register(events.TypeGameEnded, "engagement-detect", func(ctx context.Context, ev *events.Event) error {
		gameID, _ := ev.Payload["game_id"].(string)
		groupID, _ := ev.Payload["group_id"].(string)
		if gameID == "" {
			return nil
		}
		game, err := st.FindOne(ctx, store.ColGameNights, store.Filter{"game_id": gameID})
		if err != nil || game == nil {
			return err
		}
		findings, err := detector.DetectGameEnd(ctx, game)
		if err != nil {
			return err
		}
		for _, f := range findings {
			if _, err := planner.Plan(ctx, f, f.UserID); err != nil {
				log.Printf("⚠️  Post-game nudge for %s failed: %v", f.UserID, err)
			}
		}
		if groupID != "" {
			_, err = queue.Enqueue(ctx, jobs.TypeDelayedSurvey, groupID, "", 1, ck.Now().Add(feedback.SurveyDelay))
		}
		return err
	})

	baseBus.Register(events.TypeSettlementGenerated, "ledger-anomaly-scan", func(ctx context.Context, ev *events.Event) error {
		groupID, _ := ev.Payload["group_id"].(string)
		if groupID == "" {
			return nil
		}
		found, err := anomalies.Scan(ctx, groupID)
		if err != nil {
			return err
		}
		for _, a := range found {
			_, err := hosts.Publish(ctx, groupID, hostupdates.Update{
				Kind:     hostupdates.KindPaymentIssue,
				Priority: hostupdates.PriorityNormal,
				Title:    "Ledger anomaly detected",
				Body:     a.Detail,
				Refs:     map[string]interface{}{"anomaly_kind": a.Kind, "ledger_ids": a.LedgerIDs},
			})
			if err != nil {
				log.Printf("⚠️  Anomaly host update for %s failed: %v", groupID, err)
			}
		}
		return nil
	})

	baseBus.Register(events.TypeFeedbackSubmitted, "feedback-host-update", func(ctx context.Context, ev *events.Event) error {
		severity, _ := ev.Payload["severity"].(string)
		groupID, _ := ev.Payload["group_id"].(string)
		if severity != "critical" || groupID == "" {
			return nil
		}
		_, err := hosts.Publish(ctx, groupID, hostupdates.Update{
			Kind:     hostupdates.KindFeedbackAction,
			Priority: hostupdates.PriorityUrgent,
			Title:    "Critical feedback needs a look",
			Refs:     map[string]interface{}{"feedback_id": ev.Payload["feedback_id"]},
		})
		return err
	})

	// 11. Background loops
	scheduler.RegisterLoop("suggestions", time.Duration(cfg.Schedulers.SuggestionIntervalHours)*time.Hour, proactive.Sweep)
	scheduler.RegisterLoop("stale-polls", time.Duration(cfg.Schedulers.StalePollIntervalHours)*time.Hour, scans.StalePolls)
	scheduler.RegisterLoop("rsvp-reminders", time.Duration(cfg.Schedulers.RSVPReminderIntervalHours)*time.Hour, scans.RSVPReminders)
	scheduler.RegisterLoop("settlement-reminders", time.Duration(cfg.Schedulers.SettlementIntervalHours)*time.Hour, scans.SettlementReminders)
	scheduler.RegisterLoop("scheduled-reminders", 15*time.Minute, scans.ScheduledReminders)
	scheduler.RegisterLoop("payment-reminders", 24*time.Hour, payReminders.Run)
	scheduler.RegisterLoop("payment-kpis", time.Hour, func(ctx context.Context) {
		if _, err := kpis.Compute(ctx); err != nil {
			log.Printf("⚠️  KPI compute failed: %v", err)
		}
	})
	lastCronTick := ck.Now()
	scheduler.RegisterLoop("automation-cron", time.Minute, func(ctx context.Context) {
		now := ck.Now()
		if err := runner.RunDue(ctx, lastCronTick, now); err != nil {
			log.Printf("⚠️  Scheduled automation run failed: %v", err)
		}
		lastCronTick = now
	})

	// 12. Boot
	if recovered, err := queue.RecoverStale(ctx); err != nil {
		log.Printf("⚠️  Stale job recovery failed: %v", err)
	} else if recovered > 0 {
		log.Printf("✅ Recovered %d stale jobs", recovered)
	}
	scheduler.Start(ctx)

	server := api.NewServer(cfg.Server.Port, reconciler, kpis, anomalies, consolidator, pipeline, scorer, bus, cfg.Stripe.WebhookSecret)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("🛑 Ops server failed: %v", err)
		}
	}()
	log.Printf("✅ Backend up (env=%s, port=%s)", cfg.Server.Env, cfg.Server.Port)

	// 13. Shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("🛑 Shutting down...")

	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown: %v", err)
	}
	if pubsubBus != nil {
		if err := pubsubBus.Close(); err != nil {
			log.Printf("⚠️  Pub/Sub close: %v", err)
		}
	}
	log.Println("✅ Shutdown complete")
}
