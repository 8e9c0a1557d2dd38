package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/creastat/triage/classify"
	"github.com/creastat/triage/config"
	"github.com/creastat/triage/escalation"
	"github.com/creastat/triage/failover"
	"github.com/creastat/triage/logging"
	"github.com/creastat/triage/orchestrator"
	"github.com/creastat/triage/session"
	"github.com/creastat/triage/session/drivers"
	"github.com/creastat/triage/supabase"
	"github.com/creastat/triage/upstream"
	"github.com/creastat/triage/vectorstore"
	"github.com/creastat/triage/vectorstore/qdrant"
)

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	orch   *orchestrator.Orchestrator

	closers []func() error
}

// Close releases every backend in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func wireApp(ctx context.Context, cfgPath string) (_ *app, err error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := wireStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("wire session store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	classifier, err := wireClassifier(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	org := cfg.Organization
	systemPrompt := cfg.Upstream.SystemPrompt

	var (
		sb        *supabase.Client
		assistant *supabase.Assistant
	)
	if cfg.Supabase.Enabled() {
		sb, err = supabase.New(supabase.Config{
			URL:      cfg.Supabase.URL,
			APIKey:   cfg.Supabase.APIKey,
			CacheTTL: cfg.Supabase.CacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("wire supabase: %w", err)
		}
		a.closers = append(a.closers, sb.Close)

		if cfg.Supabase.AssistantToken != "" {
			assistant, err = sb.GetAssistantByToken(ctx, cfg.Supabase.AssistantToken)
			if err != nil {
				return nil, fmt.Errorf("load assistant: %w", err)
			}
			if g := assistant.Greeting(); g != "" {
				org.Greeting = g
			}
			if p := assistant.ContactPhone(); p != "" {
				org.Phone = p
			}
			if opts := assistant.QuickReplies(); len(opts) > 0 {
				org.Options = opts
			}
			if assistant.SystemPrompt != "" {
				systemPrompt = assistant.SystemPrompt
			}
			logger.Info("assistant loaded", zap.String("assistant_id", assistant.ID), zap.String("name", assistant.Name))
		}
	}

	gen, err := wireGenerator(ctx, cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("wire generator: %w", err)
	}

	var opts []upstream.Option
	if cfg.Qdrant.Enabled() {
		retriever, closeFn, err := wireRetriever(cfg, sb, assistant)
		if err != nil {
			return nil, fmt.Errorf("wire knowledge retrieval: %w", err)
		}
		a.closers = append(a.closers, closeFn)
		opts = append(opts, upstream.WithRetriever(retriever))
	}

	responder, err := upstream.NewResponder(gen, upstream.Config{
		Timeout:         cfg.Upstream.Timeout,
		CostCap:         cfg.Upstream.CostCap,
		SystemPrompt:    systemPrompt,
		HistoryMessages: cfg.Upstream.HistoryMessages,
		HistoryTokens:   cfg.Upstream.HistoryTokens,
	}, logger.Named("upstream"), opts...)
	if err != nil {
		return nil, err
	}

	policy, err := wirePolicy(cfg.Failover, org)
	if err != nil {
		return nil, err
	}

	var notifier escalation.Notifier = escalation.NewLogNotifier(logger.Named("handoff"))
	if sb != nil {
		assistantID := ""
		if assistant != nil {
			assistantID = assistant.ID
		}
		notifier = escalation.MultiNotifier{notifier, escalation.NewLedgerNotifier(sb, assistantID)}
	}
	manager, err := escalation.NewManager(store, notifier, logger.Named("escalation"))
	if err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(store, classifier, responder, policy, manager, orchestrator.Config{
		Greeting: org.Greeting,
		Options:  org.Options,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, err
	}

	logger.Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", gen.Name()),
		zap.Bool("retrieval", cfg.Qdrant.Enabled()),
		zap.Bool("supabase", sb != nil),
	)
	return a, nil
}

func wireStore(ctx context.Context, cfg config.StoreConfig) (session.Store, error) {
	if cfg.Driver != string(drivers.StoreTypeRedis) {
		return drivers.NewStore(drivers.StoreType(cfg.Driver))
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return drivers.NewStore(drivers.StoreTypeRedis,
		session.WithRedisClient(client),
		session.WithRedisTTL(cfg.TTL),
		session.WithLockLease(cfg.LockLease),
	)
}

func wireClassifier(cfg *config.Config, slots classify.SlotWriter, logger *zap.Logger) (*classify.Classifier, error) {
	rules, err := loadRules(cfg.Classifier.RulesFile)
	if err != nil {
		return nil, err
	}
	return classify.New(rules, slots, classify.Config{
		HotThreshold:  cfg.Classifier.HotThreshold,
		WarmThreshold: cfg.Classifier.WarmThreshold,
		HomeRegion:    cfg.Organization.HomeRegion,
		HomeProvince:  cfg.Organization.HomeProvince,
	}, logger.Named("classify"))
}

func loadRules(path string) (*classify.Rules, error) {
	if path == "" {
		return classify.DefaultRules()
	}
	return classify.LoadRules(path)
}

func wireGenerator(ctx context.Context, cfg config.UpstreamConfig) (upstream.Generator, error) {
	switch cfg.Provider {
	case "openai":
		return upstream.NewOpenAIGenerator(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "anthropic":
		return upstream.NewAnthropicGenerator(cfg.APIKey, cfg.Model), nil
	case "gemini":
		return upstream.NewGeminiGenerator(ctx, cfg.APIKey, cfg.Model)
	case "http":
		return upstream.NewHTTPGenerator(cfg.BaseURL, cfg.APIKey, nil), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func wireRetriever(cfg *config.Config, sb *supabase.Client, assistant *supabase.Assistant) (upstream.Retriever, func() error, error) {
	store, err := qdrant.New(qdrant.Config{
		URL:            cfg.Qdrant.URL,
		CollectionName: cfg.Qdrant.Collection,
		APIKey:         cfg.Qdrant.APIKey,
	})
	if err != nil {
		return nil, nil, err
	}

	apiKey := cfg.Qdrant.EmbeddingAPIKey
	if apiKey == "" {
		apiKey = cfg.Upstream.APIKey
	}
	embedder := vectorstore.NewOpenAIEmbedder(apiKey, cfg.Qdrant.EmbeddingModel)

	var sources vectorstore.SourceFunc
	if sb != nil && assistant != nil {
		id := assistant.ID
		sources = func(ctx context.Context) ([]string, error) {
			list, err := sb.GetSourcesByAssistantID(ctx, id)
			if err != nil {
				return nil, err
			}
			return supabase.SourceIDs(list), nil
		}
	}

	retriever, err := vectorstore.NewKnowledgeRetriever(embedder, store, sources, cfg.Qdrant.Limit, cfg.Qdrant.MinScore)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return retriever, store.Close, nil
}

func wirePolicy(cfg config.FailoverConfig, org config.OrganizationConfig) (*failover.Policy, error) {
	var (
		tpl *failover.Templates
		err error
	)
	if cfg.TemplatesFile == "" {
		tpl, err = failover.DefaultTemplates()
	} else {
		tpl, err = failover.LoadTemplates(cfg.TemplatesFile)
	}
	if err != nil {
		return nil, err
	}

	// Zero in the config file means no retries; the policy reads zero as
	// "use the default".
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return failover.New(tpl, failover.Config{
		MaxRetries:               retries,
		RepeatedFailureThreshold: cfg.RepeatedFailureThreshold,
		OrgName:                  org.Name,
		Phone:                    org.Phone,
		Email:                    org.Email,
	})
}
