// Package live 在本地沙箱中执行命令, 作为终端工件的事件生产者。
//
// 每次运行对应一个终端工件: 发出 start 事件, 把 stdout/stderr 以
// output 事件流式送出, 进程退出后发出带退出码的 end 事件。
// 事件经 Sink 交付, 与入站的 live-process 事件走同一条引擎路径。
//
// 安全约束: 临时目录隔离 · 进程组管理 · 信号量限流 · 输出上限
package live

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/multi-agent/turn-engine/internal/artifact"
	"github.com/multi-agent/turn-engine/internal/event"
	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

const (
	defaultMaxConcurrent = 2
	defaultTimeout       = 60 * time.Second
	defaultMaxOutput     = 256 * 1024

	// waitDelay 避免 "进程已杀但子进程仍持有 pipe" 导致 Wait 长时间阻塞。
	waitDelay = 2 * time.Second
)

// Sink 事件交付回调。调用发生在运行协程上, 实现方负责自身的并发安全。
type Sink func(p event.LiveProcess)

// Options Runner 配置。
type Options struct {
	Sink           Sink
	MaxConcurrent  int           // <= 0 → 默认
	WorkRoot       string        // 空 → 系统临时目录
	Timeout        time.Duration // <= 0 → 默认
	MaxOutputBytes int           // <= 0 → 默认
}

// Runner 沙箱命令执行器。
//
//   - 信号量限流: 超出并发上限的请求直接拒绝, 不排队
//   - 每次运行使用独立临时目录作为工作目录
//   - Setpgid 进程组隔离, 超时/停止时 kill 整组
type Runner struct {
	sink      Sink
	sem       chan struct{}
	workRoot  string
	timeout   time.Duration
	maxOutput int

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner 创建执行器并准备工作目录根。
func NewRunner(opts Options) (*Runner, error) {
	if opts.Sink == nil {
		return nil, apperrors.New("NewRunner", "sink is required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutput
	}

	workRoot := opts.WorkRoot
	if workRoot == "" {
		dir, err := os.MkdirTemp("", "live_sandbox_")
		if err != nil {
			return nil, apperrors.Wrap(err, "NewRunner", "create work root")
		}
		workRoot = dir
	} else if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, apperrors.Wrap(err, "NewRunner", "create work root")
	}

	r := &Runner{
		sink:      opts.Sink,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		workRoot:  workRoot,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		active:    make(map[string]context.CancelFunc),
	}

	logger.Info("live: runner initialized",
		logger.FieldPath, workRoot,
		logger.FieldMax, opts.MaxConcurrent,
		logger.FieldDurationMS, opts.Timeout.Milliseconds(),
	)
	return r, nil
}

// Run 启动一次沙箱运行并立即返回。
// start 事件在返回前同步发出, 调用方返回后即可查到对应工件;
// output/end 事件由运行协程异步发出。
func (r *Runner) Run(artifactID, command string) error {
	const op = "Runner.Run"
	if strings.TrimSpace(command) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "command is required")
	}
	if artifactID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "artifactId is required")
	}
	if strings.HasPrefix(artifactID, artifact.GeneratedIDPrefix) {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, op,
			"artifact id %q uses the reserved prefix", artifactID)
	}

	r.mu.Lock()
	if _, exists := r.active[artifactID]; exists {
		r.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrDuplicate, op, "run %q already active", artifactID)
	}

	select {
	case r.sem <- struct{}{}:
	default:
		r.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrUnavailable, op, "sandbox concurrency limit reached")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	r.active[artifactID] = cancel
	r.mu.Unlock()

	r.sink(event.LiveProcess{
		ArtifactID: artifactID,
		Phase:      event.PhaseStart,
		Command:    command,
	})

	util.SafeGo(func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, artifactID)
			r.mu.Unlock()
			<-r.sem
		}()
		r.execute(ctx, artifactID, command)
	})
	return nil
}

// Stop 终止一次进行中的运行。未知 ID 返回 false。
func (r *Runner) Stop(artifactID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[artifactID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// StopAll 终止所有进行中的运行。应在进程关闭时调用。
func (r *Runner) StopAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// ActiveRuns 返回进行中的运行 ID (排序)。
func (r *Runner) ActiveRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup 清理工作目录根。应在 Runner 不再使用后调用。
func (r *Runner) Cleanup() {
	if err := os.RemoveAll(r.workRoot); err != nil {
		logger.Warn("live: cleanup work root failed",
			logger.FieldPath, r.workRoot, logger.FieldError, err)
	}
}

// execute 运行命令并流式发出 output/end 事件。
func (r *Runner) execute(ctx context.Context, artifactID, command string) {
	dir, err := os.MkdirTemp(r.workRoot, "run_")
	if err != nil {
		logger.Error("live: create run dir failed",
			logger.FieldArtifactID, artifactID, logger.FieldError, err)
		r.finish(artifactID, -1)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Debug("live: cleanup run dir failed", logger.FieldPath, dir, logger.FieldError, err)
		}
	}()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	// 进程组隔离: 超时/停止时 kill 整个组
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = waitDelay

	lw := util.NewLimitedWriter(&emitWriter{runner: r, artifactID: artifactID}, r.maxOutput)
	cmd.Stdout = lw

	// stderr 合流进事件输出, 同时逐行进结构化日志便于排障
	collector := logger.NewStderrCollector(artifactID)
	cmd.Stderr = io.MultiWriter(lw, collector)

	start := time.Now()
	runErr := cmd.Run()
	_ = collector.Close()

	exitCode := 0
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		r.emitOutput(artifactID, "\n--- TIMEOUT ---\n")
		exitCode = -1
	case ctx.Err() == context.Canceled:
		r.emitOutput(artifactID, "\n--- STOPPED ---\n")
		exitCode = -1
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			r.emitOutput(artifactID, runErr.Error()+"\n")
			exitCode = -1
		}
	}

	if lw.Overflow() {
		r.emitOutput(artifactID, "\n--- OUTPUT TRUNCATED ---\n")
	}

	r.finish(artifactID, exitCode)

	logger.Info("live: run completed",
		logger.FieldArtifactID, artifactID,
		logger.FieldExitCode, exitCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		logger.FieldBytes, lw.Written(),
		"truncated", lw.Overflow(),
	)
}

// finish 发出 end 事件。
func (r *Runner) finish(artifactID string, exitCode int) {
	code := exitCode
	r.sink(event.LiveProcess{
		ArtifactID: artifactID,
		Phase:      event.PhaseEnd,
		ExitCode:   &code,
	})
}

// emitOutput 发出一段输出。
func (r *Runner) emitOutput(artifactID, chunk string) {
	r.sink(event.LiveProcess{
		ArtifactID: artifactID,
		Phase:      event.PhaseOutput,
		Stdout:     chunk,
	})
}

// emitWriter 把进程输出写入转为 output 事件。
// stdout 和 stderr 的 pipe 拷贝并发写入, 由外层 LimitedWriter 串行化。
type emitWriter struct {
	runner     *Runner
	artifactID string
}

func (w *emitWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.runner.emitOutput(w.artifactID, string(p))
	}
	return len(p), nil
}

// killProcessGroup 终止整个进程组 (防止子进程泄漏)。
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger.Debug("live: kill process group failed",
			logger.FieldPID, cmd.Process.Pid, logger.FieldError, err)
	}
}
