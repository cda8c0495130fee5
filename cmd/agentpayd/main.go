package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/notify"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/internal/rules"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/webhook"
	"AgentPay-Chain/pkg/logger"
	"AgentPay-Chain/pkg/plugin"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径")
	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv("AGENTPAY_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxMB,
			MaxBackups: cfg.Logging.AuditBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAge,
		},
	}); err != nil {
		return err
	}

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	queue, err := openQueue(cfg.Webhook.Queue)
	if err != nil {
		return err
	}
	defer queue.Close()

	agents := agent.NewService(stores.agents)
	budgets := budget.NewService(stores.budgets)
	audits := audit.NewService(stores.audits)

	notifier, pluginMgr, err := openNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	if pluginMgr != nil {
		defer func() {
			if err := pluginMgr.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止通知插件失败", "error", err)
			}
		}()
	}

	webhooks, err := webhook.NewService(stores.deliveries, webhook.WithQueue(queue))
	if err != nil {
		return err
	}

	hooks := &transitionHooks{agents: agents, webhooks: webhooks, audits: audits}
	proposals := proposal.NewService(stores.proposals, proposal.WithHooks(hooks))

	signer, err := payment.NewSignerFromEnv(cfg.Signer.PrivateKeyEnv)
	if err != nil {
		return err
	}

	submitter, registry, err := openSubmitter(ctx, cfg)
	if err != nil {
		return err
	}
	if registry != nil {
		defer registry.Close()
	}

	payments, err := payment.NewService(stores.authorizations, proposals, signer, submitter,
		payment.WithValidity(time.Duration(cfg.Signer.ValiditySeconds)*time.Second))
	if err != nil {
		return err
	}

	engine := rules.NewEngine(agents, proposals, budgets, payments, notifier)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go func() {
		if err := queue.Consume(workerCtx, cfg.Webhook.Workers, webhooks.Handler()); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.L().Error("投递消费者退出", "error", err)
		}
	}()
	go func() {
		interval := time.Duration(cfg.Webhook.SweepSec) * time.Second
		if err := webhooks.RunSweeper(workerCtx, interval, 64); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.L().Error("重试清扫器退出", "error", err)
		}
	}()

	server, err := api.NewServer(api.Config{
		Addr:            cfg.Server.Address,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownSec) * time.Second,
		Agents:          agents,
		Budgets:         budgets,
		Proposals:       proposals,
		Payments:        payments,
		Webhooks:        webhooks,
		Audits:          audits,
		Engine:          engine,
	})
	if err != nil {
		return err
	}

	logger.L().Info("agentpayd 启动",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Webhook.Queue.Driver,
		"web3_enabled", cfg.Web3.Enabled,
	)
	return server.Start(ctx)
}

// entityStores 聚合各实体的存储实现，统一负责关闭底层资源。
type entityStores struct {
	agents         agent.Store
	budgets        budget.Store
	proposals      proposal.Store
	authorizations payment.Store
	deliveries     webhook.Store
	audits         audit.Store
	closers        []func() error
}

func (s *entityStores) Close() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			logger.L().Warn("关闭存储失败", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*entityStores, error) {
	switch cfg.Driver {
	case "", "memory":
		return &entityStores{
			agents:         agent.NewMemoryStore(),
			budgets:        budget.NewMemoryStore(),
			proposals:      proposal.NewMemoryStore(),
			authorizations: payment.NewMemoryStore(),
			deliveries:     webhook.NewMemoryStore(),
			audits:         audit.NewMemoryStore(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		stores := &entityStores{closers: []func() error{db.Close}}
		if stores.agents, err = agent.NewMySQLStore(db); err != nil {
			return nil, err
		}
		if stores.budgets, err = budget.NewMySQLStore(db); err != nil {
			return nil, err
		}
		if stores.proposals, err = proposal.NewMySQLStore(db); err != nil {
			return nil, err
		}
		if stores.authorizations, err = payment.NewMySQLStore(db); err != nil {
			return nil, err
		}
		if stores.deliveries, err = webhook.NewMySQLStore(db); err != nil {
			return nil, err
		}
		if stores.audits, err = audit.NewMySQLStore(db); err != nil {
			return nil, err
		}
		return stores, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(cfg config.QueueConfig) (webhook.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return webhook.NewMemoryQueue(cfg.Capacity), nil
	case "redis":
		return webhook.NewRedisQueue(webhook.RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return webhook.NewRabbitMQQueue(webhook.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// openNotifier 组装通知分发器。启用邮件时并入 SMTP 渠道；
// 配置了插件文件时，经由插件管理器加载通知插件并把插件渠道并入扇出。
func openNotifier(ctx context.Context, cfg *config.Config) (notify.Dispatcher, *plugin.Manager, error) {
	senders := []notify.Sender{notify.NewLogSender()}
	if email := cfg.Notify.Email; email.Enabled {
		senders = append(senders, &notify.EmailNotifier{
			Sender: &notify.SMTPSender{
				Host:     email.Host,
				Port:     email.Port,
				Username: email.Username,
				Password: os.Getenv(email.PasswordEnv),
				From:     email.From,
			},
			To:            email.To,
			SubjectPrefix: email.SubjectPrefix,
		})
	}
	if cfg.Plugins.ConfigFile == "" {
		return notify.NewFanout(senders...), nil, nil
	}

	mgrCfg, err := plugin.LoadManagerConfig(cfg.Plugins.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	channel := notify.NewPluginChannel()
	mgr, err := plugin.NewManager(mgrCfg,
		plugin.WithResource(notify.RegisterResourceKey, channel.Register()))
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.StartAll(ctx); err != nil {
		return nil, nil, err
	}
	senders = append(senders, channel)
	return notify.NewFanout(senders...), mgr, nil
}

// openSubmitter 按配置选择链上提交器。web3 未启用时走空跑模式。
func openSubmitter(ctx context.Context, cfg *config.Config) (payment.BlockchainSubmitter, *web3.Registry, error) {
	if !cfg.Web3.Enabled {
		return payment.NewDryRunSubmitter(), nil, nil
	}
	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return nil, nil, err
	}
	registry, err := web3.NewRegistry(ctx, defs)
	if err != nil {
		return nil, nil, err
	}
	submitter, err := web3.NewSubmitter(registry, os.Getenv(cfg.Signer.PrivateKeyEnv))
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	return submitter, registry, nil
}
