package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"backend/api"
	"backend/internal/config"
	"backend/internal/content"
	"backend/internal/identity"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/notification"
	"backend/internal/worker"
	"backend/internal/workflow"
	"backend/internal/workflow/collab"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("工作流引擎启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	// 3. 初始化数据库（按配置自动迁移表结构）
	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer infra.CloseDatabase()

	// 4. 初始化 Redis
	rdb, err := infra.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer infra.CloseRedis()

	// 5. 异步任务客户端（延迟规则、截止检查、出站补偿）
	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	// 6. 通知中心：WebSocket 在线推送 + Redis 离线暂存
	hub := notification.NewHub(
		notification.WithOfflineStore(notification.NewRedisOfflineStore(rdb, 200, 7*24*time.Hour)),
	)

	// 7. 身份解析与内容存储
	resolver := buildResolver()
	contents := content.NewMemoryStore()

	// 可选的 Webhook 通道，用于对接外部消息网关
	var pusher notification.Pusher = hub
	if url := os.Getenv("APP_WORKFLOW_WEBHOOK_URL"); url != "" {
		pusher = notification.FanoutPusher{hub, notification.NewWebhookPusher(url, logger.Get())}
	}

	// 8. 冲突检测器：引擎与协调器共用一个实例
	detector := collab.NewConflictDetector(db, cfg.Workflow.ConflictWindow(), nil, logger.Get())

	// 9. 工作流引擎
	engine := workflow.NewEngine(db, resolver, contents,
		workflow.WithPusher(pusher),
		workflow.WithScheduler(queueClient),
		workflow.WithStepBudget(cfg.Workflow.StepBudget()),
		workflow.WithConflictObserver(detector),
	)

	// 10. 协作协调器
	coordinator := collab.NewCoordinator(db, engine, resolver,
		collab.WithRedis(rdb),
		collab.WithPresenceTTL(cfg.Workflow.PresenceTTL()),
		collab.WithReconcileInterval(cfg.Workflow.ReconcileInterval()),
		collab.WithLockTTL(cfg.Workflow.DefaultLockTTL()),
		collab.WithDetector(detector),
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go coordinator.Run(runCtx)
	go drainOutboxLoop(runCtx, queueClient)

	// 11. 后台 Worker
	workerServer := worker.NewServer(cfg.Redis, engine, logger.Get())
	if err := workerServer.Start(); err != nil {
		logger.Fatal("Worker 服务器启动失败", zap.Error(err))
	}

	// 12. HTTP 服务器
	gin.SetMode(cfg.Server.Mode)
	router := api.SetupRouter(&api.Dependencies{
		DB:          db,
		Engine:      engine,
		Coordinator: coordinator,
		Hub:         hub,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 13. 优雅关闭
	gracefulShutdown(server, workerServer, cancelRun)
}

// buildResolver 构建内置身份解析器
// 生产部署中身份由外部系统提供，这里注册 APP_WORKFLOW_ADMINS 中的引导管理员
func buildResolver() identity.Resolver {
	resolver := identity.NewStaticResolver()
	for _, id := range strings.Split(os.Getenv("APP_WORKFLOW_ADMINS"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		resolver.AddUser(&identity.User{ID: id, DisplayName: id},
			identity.CapStartWorkflow,
			identity.CapAssignWorkflow,
			identity.CapManageWorkflow,
			identity.CapViewWorkflow,
		)
	}
	return resolver
}

// drainOutboxLoop 周期性入队出站补偿任务，兜底同步派发失败的副作用
func drainOutboxLoop(ctx context.Context, client queue.Client) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.EnqueueOutboxDrain(100); err != nil {
				logger.Warn("入队出站补偿任务失败", zap.Error(err))
			}
		}
	}
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}

	return candidates
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, workerServer *worker.Server, cancelRun context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	cancelRun()
	workerServer.Shutdown()

	if err := infra.CloseDatabase(); err != nil {
		logger.Error("数据库关闭异常", zap.Error(err))
	}
	if err := infra.CloseRedis(); err != nil {
		logger.Error("Redis 关闭异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}
