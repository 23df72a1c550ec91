package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/apikeys"
	"github.com/tryosschat/openchat-sub000/internal/chat"
	"github.com/tryosschat/openchat-sub000/internal/config"
	"github.com/tryosschat/openchat-sub000/internal/db"
	"github.com/tryosschat/openchat-sub000/internal/fanout"
	"github.com/tryosschat/openchat-sub000/internal/search"
	"github.com/tryosschat/openchat-sub000/internal/store/redisstore"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"github.com/tryosschat/openchat-sub000/internal/usage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the collaborators shared by the api and worker binaries.
type App struct {
	Cfg config.Config
	Log *zap.SugaredLogger

	DB     *gorm.DB
	Redis  *redisstore.Store
	Chat   *chat.Service
	Jobs   *streamjob.GormStore
	Meter  *usage.Meter
	Fanout *fanout.Redis
	Keys   *apikeys.Resolver

	Providers *ai.Registry
	Prefetch  *streamjob.Prefetcher
}

func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rds.Ping(pctx); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	box, err := apikeys.NewBox(cfg.KeySecret)
	if err != nil {
		return nil, err
	}

	a := &App{
		Cfg:       cfg,
		Log:       log,
		DB:        gdb,
		Redis:     rds,
		Chat:      chat.NewService(chat.NewRepo(gdb), cfg.ChatContextWindowSize),
		Jobs:      streamjob.NewGormStore(gdb),
		Meter:     usage.NewMeter(gdb, rds, log),
		Fanout:    fanout.NewRedis(rds.Client(), cfg.FanoutTTL),
		Keys:      apikeys.NewResolver(gdb, box, map[string]string{"openrouter": cfg.OpenRouterAPIKey}, "ollama"),
		Providers: NewRegistry(cfg, log),
	}
	if cfg.SearchBaseURL != "" {
		a.Prefetch = streamjob.NewPrefetcher(
			search.NewHTTPSearcher(cfg.SearchBaseURL, cfg.SearchAPIKey),
			search.NewDailyQuota(rds, cfg.SearchDailyLimit),
			search.MaxQueries, 10*time.Second, log,
		)
	}
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func (a *App) StreamConfig() streamjob.Config {
	c := a.Cfg
	return streamjob.Config{
		SubsidizedProvider: c.SubsidizedProvider,
		DailyLimitCents:    c.DailyLimitCents,
		ProbeCents:         c.ProbeCents,
		StaleAfter:         c.StaleAfter,
		ProviderTimeout:    c.ProviderTimeout,
		CheckpointEvery:    c.CheckpointEvery,
		CancelPollInterval: c.CancelPollInterval,
		FanoutBatchSize:    c.FanoutBatchSize,
		FanoutBatchWindow:  c.FanoutBatchWindow,
		Rates: usage.Rates{
			InputCentsPerMTok:  c.InputCentsPerMTok,
			OutputCentsPerMTok: c.OutputCentsPerMTok,
			MaxCents:           c.MaxCostCents,
		},
	}
}

func (a *App) Worker() *streamjob.Worker {
	return streamjob.NewWorker(streamjob.WorkerDeps{
		Store:       a.Jobs,
		Meter:       a.Meter,
		Providers:   a.Providers,
		Credentials: a.Keys,
		Convs:       a.Chat,
		Messages:    a.Chat,
		Fanout:      a.Fanout,
		Prefetch:    a.Prefetch,
		Log:         a.Log,
	}, a.StreamConfig())
}

func (a *App) Reaper() *streamjob.Reaper {
	return streamjob.NewReaper(a.Jobs, a.Meter, a.Chat, a.Cfg.StaleAfter, a.Cfg.ReapInterval, a.Log).WithFanout(a.Fanout)
}

// NewRegistry routes jobs by provider name to an adapter built per job.
func NewRegistry(cfg config.Config, log *zap.SugaredLogger) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(_ context.Context, model, _ string) (ai.EventStreamer, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.Log = log
		return p, nil
	})

	reg.Register("openrouter", func(_ context.Context, model, apiKey string) (ai.EventStreamer, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		p := ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, apiKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		p.Log = log
		return p, nil
	})

	for name, base := range map[string]string{"openai": cfg.OpenAIBaseURL, "deepseek": cfg.DeepSeekBaseURL} {
		reg.Register(name, func(_ context.Context, _ string, apiKey string) (ai.EventStreamer, error) {
			return ai.NewOpenAICompatible(ai.OpenAIConfig{Name: name, APIKey: apiKey, BaseURL: base})
		})
	}
	return reg
}
