package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/agents/orchestrator"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/agents/specialist"
	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/eval"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/expiry"
	llmx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/llm"
	promptx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/prompt"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/purchase"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/retrieval"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
	configx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/config"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
	_ "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger/autoload"
	postgresx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/postgres"
	qstashx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/qstash"
	redisx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/redis"
)

type AppConfig struct {
	UserID           string `envconfig:"USER_ID" default:"4165"`
	TopK             int    `envconfig:"TOP_K" default:"5"`
	ReturnWindowDays int    `envconfig:"RETURN_WINDOW_DAYS" default:"15"`

	// EvalTasks points at a directory of task files; when set the process
	// runs the evaluation suite instead of the console.
	EvalTasks      string   `envconfig:"EVAL_TASKS"`
	EvalCategories []string `envconfig:"EVAL_CATEGORIES"`
}

type StorageConfig struct {
	Backend    string        `envconfig:"BACKEND" default:"memory"`
	Sessions   string        `envconfig:"SESSIONS" default:"memory"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	Retention  time.Duration `envconfig:"RETENTION" default:"0s"`
	SeedSample bool          `envconfig:"SEED_SAMPLE" default:"true"`

	CheckpointPrefix string `envconfig:"CHECKPOINT_PREFIX"`
	SessionPrefix    string `envconfig:"SESSION_PREFIX"`
}

type ApprovalConfig struct {
	Scheduler    string `envconfig:"SCHEDULER" default:"timer"`
	CallbackURL  string `envconfig:"CALLBACK_URL"`
	CallbackAddr string `envconfig:"CALLBACK_ADDR" default:":8081"`
}

type backends struct {
	checkpoints statex.CheckpointStore
	sessions    statex.SessionCache
	purchases   contractx.PurchaseStore
	closers     []func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("APP")
	storageCfg := configx.MustNew[StorageConfig]("STORAGE")
	approvalCfg := configx.MustNew[ApprovalConfig]("APPROVAL")
	orchCfg := configx.MustNew[orchestrator.Config]("ORCHESTRATOR")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	retrieverCfg := configx.MustNew[retrieval.Config]("RETRIEVER")

	b, err := buildBackends(ctx, *storageCfg, appCfg.UserID)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build storage backends")
	}
	defer func() {
		for _, closeFn := range b.closers {
			_ = closeFn()
		}
	}()

	registry, err := specialist.NewRegistry(ctx, *llmCfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build model registry")
	}

	toolDeps := toolx.Deps{TopK: appCfg.TopK, ReturnWindowDays: appCfg.ReturnWindowDays}
	if retrieverCfg.StructuredURL != "" {
		if toolDeps.Structured, err = retrieval.NewStructuredClient(*retrieverCfg); err != nil {
			logx.Fatal().Err(err).Msg("failed to build structured retriever")
		}
	}
	if retrieverCfg.UnstructuredURL != "" {
		if toolDeps.Unstructured, err = retrieval.NewUnstructuredClient(*retrieverCfg); err != nil {
			logx.Fatal().Err(err).Msg("failed to build unstructured retriever")
		}
	}

	deps := orchestrator.Deps{
		Checkpoints: b.checkpoints,
		Sessions:    b.sessions,
		Models:      registry,
		Purchases:   b.purchases,
		Tools:       toolx.NewExecutor(toolDeps),
		Prompts:     promptx.LoadPromptSet(),
	}

	if appCfg.EvalTasks != "" {
		if err := runEval(ctx, deps, *orchCfg, *appCfg); err != nil {
			logx.Fatal().Err(err).Msg("evaluation failed")
		}
		return
	}

	var timers *expiry.TimerScheduler
	var qstashClient *qstashx.Client
	switch strings.ToLower(approvalCfg.Scheduler) {
	case "qstash":
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		qstashClient = qstashx.MustNew(*qstashCfg)
		sched, err := expiry.NewQStashScheduler(qstashClient, approvalCfg.CallbackURL)
		if err != nil {
			logx.Fatal().Err(err).Msg("failed to build qstash scheduler")
		}
		deps.Scheduler = sched
	default:
		timers = expiry.NewTimerScheduler()
		defer timers.Stop()
		deps.Scheduler = timers
	}

	orch, err := orchestrator.New(deps, *orchCfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("failed to build orchestrator")
	}
	if timers != nil {
		timers.Bind(orch)
	}
	if qstashClient != nil {
		go serveExpiryCallbacks(ctx, approvalCfg.CallbackAddr, expiry.Handler(qstashClient, approvalCfg.CallbackURL, orch))
	}

	if err := runConsole(ctx, orch, appCfg.UserID); err != nil && !errors.Is(err, context.Canceled) {
		logx.Fatal().Err(err).Msg("console stopped")
	}
}

func buildBackends(ctx context.Context, cfg StorageConfig, userID string) (*backends, error) {
	b := &backends{}
	samples := purchase.SampleRecords(userID, time.Now().UTC())

	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		redisCfg, err := configx.New[redisx.Config]("REDIS")
		if err != nil {
			return nil, err
		}
		if rdb, err = redisCfg.New(ctx); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, rdb.Close)
		return rdb, nil
	}

	switch strings.ToLower(cfg.Backend) {
	case "postgres":
		pgCfg, err := configx.New[postgresx.Config]("POSTGRES")
		if err != nil {
			return nil, err
		}
		db, err := pgCfg.New(ctx)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := buildPostgres(ctx, b, db, cfg, userID, samples); err != nil {
			return nil, err
		}
	case "redis":
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		store, err := statex.NewRedisCheckpointStore(client,
			statex.WithCheckpointKeyPrefix(cfg.CheckpointPrefix),
			statex.WithCheckpointRetention(cfg.Retention),
		)
		if err != nil {
			return nil, err
		}
		b.checkpoints = store
		b.purchases = purchase.NewMemoryStore(samples)
	default:
		b.checkpoints = statex.NewMemoryCheckpointStore()
		b.purchases = purchase.NewMemoryStore(samples)
	}

	switch strings.ToLower(cfg.Sessions) {
	case "redis":
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		cache, err := statex.NewRedisSessionCache(client, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		b.sessions = cache
	case "upstash":
		upCfg, err := configx.New[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		if err != nil {
			return nil, err
		}
		cache, err := statex.NewUpstashSessionCache(*upCfg,
			statex.WithKeyPrefix(cfg.SessionPrefix),
			statex.WithTTL(cfg.SessionTTL),
		)
		if err != nil {
			return nil, err
		}
		b.sessions = cache
	default:
		b.sessions = statex.NewMemorySessionCache(cfg.SessionTTL)
	}

	return b, nil
}

func buildPostgres(ctx context.Context, b *backends, db *bun.DB, cfg StorageConfig, userID string, samples map[string][]statex.PurchaseRecord) error {
	checkpoints, err := statex.NewPostgresCheckpointStore(db)
	if err != nil {
		return err
	}
	if err := checkpoints.CreateSchema(ctx); err != nil {
		return err
	}
	purchases, err := purchase.NewPostgresStore(db)
	if err != nil {
		return err
	}
	if err := purchases.CreateSchema(ctx); err != nil {
		return err
	}
	if cfg.SeedSample {
		if err := purchases.Seed(ctx, userID, samples[userID]); err != nil {
			return err
		}
	}
	b.checkpoints = checkpoints
	b.purchases = purchases
	return nil
}

func serveExpiryCallbacks(ctx context.Context, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/approvals/expire", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Info().Str("addr", addr).Msg("approval expiry callbacks listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Error().Err(err).Msg("approval expiry callback server stopped")
	}
}

// runEval replays the task suite against orchestrators that share the model
// and tool stack but get fresh in-memory state and a fresh order store per task.
func runEval(ctx context.Context, deps orchestrator.Deps, orchCfg orchestrator.Config, appCfg AppConfig) error {
	evalCfg, err := configx.New[eval.Config]("EVAL")
	if err != nil {
		return err
	}
	tasks, err := eval.LoadDir(appCfg.EvalTasks, appCfg.EvalCategories...)
	if err != nil {
		return err
	}
	logx.Info().Int("tasks", len(tasks)).Str("dir", appCfg.EvalTasks).Msg("starting evaluation")

	runner, err := eval.NewRunner(*evalCfg, purchase.SampleRecords(appCfg.UserID, time.Now().UTC()),
		func(purchases contractx.PurchaseStore) (eval.Agent, error) {
			d := deps
			d.Checkpoints = statex.NewMemoryCheckpointStore()
			d.Sessions = statex.NewMemorySessionCache(0)
			d.Purchases = purchases
			return orchestrator.New(d, orchCfg)
		})
	if err != nil {
		return err
	}

	summary := runner.Run(ctx, tasks)
	fmt.Print(summary.Report())
	return nil
}

func runConsole(ctx context.Context, orch *orchestrator.Orchestrator, userID string) error {
	sess, err := orch.CreateSession(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("session %s for user %s. Commands: /new, /refresh, /history, /quit\n", sess.SessionID, userID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			if err := orch.EndSession(ctx, sess.SessionID); err != nil {
				logx.Warn().Err(err).Msg("end session")
			}
			if sess, err = orch.CreateSession(ctx, userID); err != nil {
				return err
			}
			fmt.Printf("session %s\n", sess.SessionID)
			continue
		case "/refresh":
			if err := orch.RefreshPurchaseHistory(ctx, sess.SessionID); err != nil {
				fmt.Printf("refresh failed: %v\n", err)
				continue
			}
			fmt.Println("purchase history will be reloaded on the next message")
			continue
		case "/history":
			history, err := orch.History(ctx, sess.SessionID)
			if err != nil {
				fmt.Printf("history failed: %v\n", err)
				continue
			}
			for _, cp := range history {
				fmt.Printf("#%d source=%s next=%s approval=%s route=%s\n",
					cp.SequenceNo, cp.Source, cp.NextNode, cp.State.Approval, cp.State.Route)
			}
			continue
		}

		out, err := orch.ProcessTurn(ctx, sess.SessionID, userID, line)
		if err != nil {
			fmt.Printf("turn failed: %v\n", err)
			continue
		}
		fmt.Println(out.Text)
	}
}
