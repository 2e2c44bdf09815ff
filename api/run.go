// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/escalation/approval"
	"axonflow/escalation/config"
	"axonflow/escalation/directory"
	"axonflow/escalation/escalation"
	"axonflow/escalation/notify"
	"axonflow/escalation/shared/logger"
)

// Run boots the escalation daemon: storage, Redis, the escalation and
// approval services, the HTTP API, and graceful shutdown on SIGINT/SIGTERM.
func Run() {
	log := logger.New("escalationd")

	cfg, err := config.Load()
	if err != nil {
		log.Error("", "", "configuration invalid", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("", "", "failed to open database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Error("", "", "database unreachable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Warn("", "", "redis unreachable, realtime notifications disabled", map[string]interface{}{
			"addr":  cfg.RedisAddr,
			"error": err.Error(),
		})
	}

	// Stores
	ruleRepo := escalation.NewRuleRepository(db)
	eventRepo := escalation.NewEventRepository(db)
	metricRepo := escalation.NewMetricRepository(db)
	approvalRepo := approval.NewRepository(db)
	dir := directory.NewSQLDirectory(db)

	// Notification transports
	realtime := notify.NewRedisPublisher(redisClient)
	var email notify.EmailSender
	if cfg.SMTPHost != "" {
		email = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass)
	}
	slack := notify.NewSlackWebhook()

	registry := prometheus.NewRegistry()
	prom := escalation.NewPromMetrics(registry)

	// Escalation wiring
	engine := escalation.NewRulesEngine(ruleRepo)
	scorer := escalation.NewPriorityScorer()
	router := escalation.NewRouter(dir, eventRepo, cfg.LoadBalanceRouting)
	notifier := escalation.NewNotifier(realtime, email, slack, prom)
	tracker := escalation.NewTracker(eventRepo, metricRepo)
	escalations := escalation.NewService(engine, scorer, router, notifier, tracker, ruleRepo, eventRepo, prom)

	// Approval wiring
	var waiter approval.Waiter
	if os.Getenv("APPROVAL_WAITER") == "redis" {
		waiter = approval.NewRedisWaiter(redisClient)
	} else {
		waiter = approval.NewMemoryWaiter()
	}
	approvals := approval.NewService(approvalRepo, waiter, approval.NewScheduler(), realtime)
	defer approvals.Close()

	if cfg.SeedRulesPath != "" {
		seedRules(context.Background(), log, cfg.SeedRulesPath, escalations)
	}

	r := mux.NewRouter()
	server := NewServer(escalations, tracker, approvals)
	server.Routes(r, []byte(cfg.JWTSecret))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("", "", "escalation service listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "http server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("", "", "shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

// seedRules applies the YAML rule seed idempotently: a rule whose name
// already exists in its workspace is skipped.
func seedRules(ctx context.Context, log *logger.Logger, path string, svc *escalation.Service) {
	rules, err := config.LoadSeedRules(path)
	if err != nil {
		log.Error("", "", "failed to load seed rules", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return
	}

	seeded := 0
	for _, rule := range rules {
		existing, err := svc.ListRules(ctx, rule.WorkspaceID, rule.ProjectID)
		if err != nil {
			log.Warn(rule.WorkspaceID, "", "seed lookup failed", map[string]interface{}{"error": err.Error()})
			continue
		}

		exists := false
		for _, current := range existing {
			if current.Name == rule.Name {
				exists = true
				break
			}
		}
		if exists {
			continue
		}

		if err := svc.CreateRule(ctx, rule); err != nil {
			log.Warn(rule.WorkspaceID, "", "seed rule rejected", map[string]interface{}{
				"rule_name": rule.Name,
				"error":     err.Error(),
			})
			continue
		}
		seeded++
	}

	log.Info("", "", "seed rules applied", map[string]interface{}{
		"path":   path,
		"seeded": seeded,
		"total":  len(rules),
	})
}
