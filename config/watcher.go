// 工作流定义文件变更监听。
//
// 监听目标可以是单个文件，也可以是目录（目录下的 .yaml/.yml/.json
// 定义文件）。按固定间隔轮询修改时间与大小，同一状态连续出现两次才
// 派发事件，避免读到写了一半的文件。
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp 文件变更类型
type FileOp string

const (
	FileOpCreate FileOp = "create"
	FileOpWrite  FileOp = "write"
	FileOpRemove FileOp = "remove"
)

// FileEvent 一次已确认的文件变更
type FileEvent struct {
	Path string    `json:"path"`
	Op   FileOp    `json:"op"`
	At   time.Time `json:"at"`
}

// definitionExts 目录中被视为工作流定义的扩展名
var definitionExts = []string{".yaml", ".yml", ".json"}

// IsDefinitionFile 判断文件名是否为工作流定义
func IsDefinitionFile(name string) bool {
	return slices.Contains(definitionExts, filepath.Ext(name))
}

// ExpandDefinitionPaths 将目标展开为定义文件的绝对路径：文件原样保留，
// 目录展开为其中的定义文件（不递归），结果按字典序去重
func ExpandDefinitionPaths(targets []string) ([]string, error) {
	var out []string
	for _, target := range targets {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", target, err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			out = append(out, abs)
			continue
		}
		files, err := listDefinitions(abs)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func listDefinitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsDefinitionFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

type stamp struct {
	mod  time.Time
	size int64
}

// FileWatcher 轮询文件与目录并派发已稳定的变更
type FileWatcher struct {
	targets  []string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []func(FileEvent)
	cancel    context.CancelFunc
	done      chan struct{}

	// 只由轮询路径访问（构造期或 poll 内）
	seen    map[string]stamp
	pending map[string]*stamp // nil 表示待确认的删除
}

// WatcherOption 监听器选项
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建监听器并记录目标的当前状态。不存在的文件会等待其被创建
func NewFileWatcher(targets []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		interval: time.Second,
		logger:   zap.NewNop(),
		pending:  make(map[string]*stamp),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, t := range targets {
		abs, err := filepath.Abs(t)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", t, err)
		}
		w.targets = append(w.targets, abs)
	}
	seen, err := w.scan()
	if err != nil {
		return nil, err
	}
	w.seen = seen
	for _, t := range w.targets {
		if _, err := os.Stat(t); errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("watch target does not exist yet", zap.String("path", t))
		}
	}
	return w, nil
}

// scan 返回当前所有定义文件的状态
func (w *FileWatcher) scan() (map[string]stamp, error) {
	files, err := ExpandDefinitionPaths(w.targets)
	if err != nil {
		return nil, err
	}
	out := make(map[string]stamp, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f, err)
		}
		out[f] = stamp{mod: info.ModTime(), size: info.Size()}
	}
	return out, nil
}

// Targets 返回监听目标的绝对路径
func (w *FileWatcher) Targets() []string {
	return slices.Clone(w.targets)
}

// OnChange 注册变更回调，回调在轮询 goroutine 中依次执行
func (w *FileWatcher) OnChange(cb func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start 开始轮询，直到 ctx 结束或调用 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("targets", w.targets),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop 停止轮询并等待正在执行的回调返回
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

// IsRunning 是否正在轮询
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *FileWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.dispatch(w.poll())
		}
	}
}

// poll 对比当前状态与已确认状态。新状态需在连续两次轮询中一致才会被确认
func (w *FileWatcher) poll() []FileEvent {
	current, err := w.scan()
	if err != nil {
		w.logger.Warn("scan failed", zap.Error(err))
		return nil
	}

	paths := make([]string, 0, len(current)+len(w.seen))
	for p := range current {
		paths = append(paths, p)
	}
	for p := range w.seen {
		if _, ok := current[p]; !ok {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)

	var events []FileEvent
	now := time.Now()
	for _, p := range paths {
		prev, existed := w.seen[p]
		cur, exists := current[p]
		if existed == exists && prev == cur {
			delete(w.pending, p)
			continue
		}

		var candidate *stamp
		if exists {
			candidate = &cur
		}
		if last, ok := w.pending[p]; !ok || !sameStamp(last, candidate) {
			w.pending[p] = candidate
			continue
		}
		delete(w.pending, p)

		evt := FileEvent{Path: p, At: now}
		switch {
		case !exists:
			evt.Op = FileOpRemove
			delete(w.seen, p)
		case !existed:
			evt.Op = FileOpCreate
			w.seen[p] = cur
		default:
			evt.Op = FileOpWrite
			w.seen[p] = cur
		}
		events = append(events, evt)
	}
	return events
}

func sameStamp(a, b *stamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (w *FileWatcher) dispatch(events []FileEvent) {
	if len(events) == 0 {
		return
	}
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, evt := range events {
		w.logger.Debug("file changed", zap.String("path", evt.Path), zap.String("op", string(evt.Op)))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}
