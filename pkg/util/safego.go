// safego.go — 安全 goroutine 启动器，捕获 panic 防止进程崩溃。
package util

import (
	"fmt"
	"runtime/debug"

	"github.com/multi-agent/turn-engine/pkg/logger"
)

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// SafeCall 同步执行 fn，捕获 panic 并转为返回值。
//
// 用于调用外部插件代码 (如可替换的渲染器) 的边界: 单个 panic
// 不得穿透事件处理循环。
func SafeCall(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("call panicked",
				logger.FieldOp, op,
				logger.FieldError, r,
				"stack", string(debug.Stack()),
			)
			err = &panicError{op: op, value: r}
		}
	}()
	return fn()
}

// panicError 将 recover 到的 panic 值包装为 error。
type panicError struct {
	op    string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.op, e.value)
}
