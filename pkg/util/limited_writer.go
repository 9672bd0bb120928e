package util

import (
	"io"
	"sync"
)

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止失控进程输出耗尽内存)。
//
// 语义: 除非底层写失败, Write 恒返回 (len(p), nil) — 截断对调用方透明,
// 避免 io.Copy / exec.Cmd 把截断误判为 ErrShortWrite。
// 可被多个 goroutine 共享, 例如同时接收 stdout 和 stderr 的 pipe 拷贝。
type LimitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限部分静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	remain := lw.limit - lw.written
	if remain <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remain {
		lw.truncated = true
		n, err := lw.w.Write(p[:remain])
		lw.written += n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}

// Overflow 返回是否有数据被丢弃。恰好写满而无丢弃不算溢出。
func (lw *LimitedWriter) Overflow() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.truncated
}

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.written
}
