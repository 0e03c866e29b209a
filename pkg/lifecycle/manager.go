package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// DefaultStopTimeout 未指定时整个停止流程的上限
const DefaultStopTimeout = 30 * time.Second

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	logger      kratoslog.Logger
	hooks       []Hook
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration

	// exit 第二个终止信号时调用，测试中替换
	exit func(code int)
}

// Hook 生命周期钩子
type Hook struct {
	Name     string                      // 钩子名称
	OnStart  func(context.Context) error // 启动时执行的函数
	OnStop   func(context.Context) error // 停止时执行的函数
	Priority int                         // 优先级，数字越小越先启动、越后停止
	// Priority分级:
	// 0-99:    基础设施层（Redis、Kafka、总线）
	// 100-199: 中继服务层（会话表、在线状态刷新、实例心跳）
	// 200-299: 接入层（HTTP / WebSocket 网关）
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(logger kratoslog.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &LifecycleManager{
		logger:      logger,
		hooks:       make([]Hook, 0),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: DefaultStopTimeout,
		exit:        os.Exit,
	}
}

// SetStopTimeout 设置停止流程的总超时（网关排空时间）
func (lm *LifecycleManager) SetStopTimeout(d time.Duration) {
	if d > 0 {
		lm.stopTimeout = d
	}
}

// AddHook 添加生命周期钩子
func (lm *LifecycleManager) AddHook(hook Hook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// Start 按优先级启动所有钩子，失败时回滚已启动的钩子
func (lm *LifecycleManager) Start() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	lm.logger.Log(kratoslog.LevelInfo, "msg", "Starting lifecycle hooks")

	for i, hook := range lm.hooks {
		if hook.OnStart == nil {
			continue
		}
		lm.logger.Log(kratoslog.LevelInfo, "msg", "Starting hook", "name", hook.Name)

		if err := hook.OnStart(lm.ctx); err != nil {
			lm.logger.Log(kratoslog.LevelError, "msg", "Hook start failed", "name", hook.Name, "error", err)
			lm.rollback(i)
			return err
		}
	}

	lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks started")
	return nil
}

// rollback 逆序停止 hooks[:n]
func (lm *LifecycleManager) rollback(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), lm.stopTimeout)
	defer cancel()

	for i := n - 1; i >= 0; i-- {
		if stop := lm.hooks[i].OnStop; stop != nil {
			if err := stop(ctx); err != nil {
				lm.logger.Log(kratoslog.LevelWarn, "msg", "Hook rollback failed", "name", lm.hooks[i].Name, "error", err)
			}
		}
	}
}

// Stop 停止所有钩子
func (lm *LifecycleManager) Stop() error {
	var stopErr error

	lm.stopOnce.Do(func() {
		lm.mu.RLock()
		defer lm.mu.RUnlock()

		lm.logger.Log(kratoslog.LevelInfo, "msg", "Stopping lifecycle hooks")

		ctx, cancel := context.WithTimeout(context.Background(), lm.stopTimeout)
		defer cancel()

		// 反向停止钩子（后启动的先停止）
		for i := len(lm.hooks) - 1; i >= 0; i-- {
			hook := lm.hooks[i]
			if hook.OnStop == nil {
				continue
			}
			lm.logger.Log(kratoslog.LevelInfo, "msg", "Stopping hook", "name", hook.Name)

			if err := hook.OnStop(ctx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook stop failed", "name", hook.Name, "error", err)
				if stopErr == nil {
					stopErr = err
				}
			}
		}

		lm.cancel()
		close(lm.done)

		lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks stopped")
	})

	return stopErr
}

// Wait 等待停止信号；停止过程中再次收到信号立即退出
func (lm *LifecycleManager) Wait() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	lm.waitOn(sigChan)
}

func (lm *LifecycleManager) waitOn(sigChan <-chan os.Signal) {
	select {
	case sig := <-sigChan:
		lm.logger.Log(kratoslog.LevelInfo, "msg", "Received signal", "signal", sig.String())
	case <-lm.done:
		return
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = lm.Stop()
	}()

	select {
	case <-stopped:
	case sig := <-sigChan:
		lm.logger.Log(kratoslog.LevelWarn, "msg", "Received second signal, forcing exit", "signal", sig.String())
		lm.exit(1)
	}
}

// Context 获取生命周期上下文
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// Done 获取完成通道
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}

// IsRunning 检查是否正在运行
func (lm *LifecycleManager) IsRunning() bool {
	select {
	case <-lm.done:
		return false
	default:
		return true
	}
}
