package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentcanvas/workflow"
)

// =============================================================================
// 🏃 run 命令
// =============================================================================

// runWorkflow 在终端中执行一次工作流，执行日志写入 stderr，结果写入 stdout。
// 退出码: 0 全部节点完成, 1 有节点失败或运行出错, 2 定义无效, 130 被中断
func runWorkflow(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// 日志打印、提示与 zap 共用 stderr
	stderr = &syncWriter{w: stderr}

	fs := newFlagSet("run")
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	jsonOut := fs.Bool("json", false, "Print the run record as JSON")
	noPrompt := fs.Bool("no-prompt", false, "Do not ask for ask-before-run variables")
	nodeID := fs.String("node", "", "Execute a single node")
	chain := fs.Bool("chain", false, "With --node, continue into successors")
	verbose := fs.Bool("verbose", false, "Verbose engine logging")
	vars := varFlag{}
	fs.Var(vars, "var", "Override a global variable (name=value, repeatable)")

	files, err := parseInterspersed(fs, args)
	if err != nil {
		return exitInvalid
	}
	if len(files) != 1 {
		fmt.Fprintln(stderr, "Usage: agentcanvas run <workflow-file> [options]")
		return exitInvalid
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	logger := newCLILogger(stderr, *verbose)
	defer func() { _ = logger.Sync() }()

	def, err := loadWorkflowFile(files[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := buildGenerationClient(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	backend, err := openRunStore(ctx, cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer backend.Close()

	opts := []workflow.Option{
		workflow.WithRunStore(backend.store),
		workflow.WithDefaultModel(cfg.Generation.DefaultModel),
		workflow.WithLogger(logger),
		workflow.WithEventBuffer(1024),
	}
	if !*noPrompt {
		opts = append(opts, workflow.WithPrompter(newLinePrompter(stdin, stderr)))
	}
	engine := workflow.NewEngine(def, client, opts...)

	events, unsubscribe := engine.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			if ev.Type == workflow.EventLog && ev.Log != nil {
				printLogEntry(stderr, *ev.Log)
			}
		}
	}()

	var rec *workflow.RunRecord
	if *nodeID != "" {
		rec, err = engine.ExecuteNode(ctx, *nodeID, *chain)
	} else {
		rec, err = engine.Run(ctx, workflow.WithVariables(vars))
	}
	unsubscribe()
	<-printed

	if rec == nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			printViolations(stderr, verr.Violations)
			return exitInvalid
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rec); encErr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", encErr)
			return exitError
		}
	} else {
		printRecord(stdout, rec)
	}

	switch rec.Status {
	case workflow.RunCompleted:
		if rec.Failed() > 0 {
			return exitError
		}
		return exitOK
	case workflow.RunCanceled:
		return exitInterrupted
	default:
		return exitError
	}
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("validate")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Usage: agentcanvas validate <workflow-file>...")
		return exitInvalid
	}

	code := exitOK
	for _, path := range fs.Args() {
		def, err := loadWorkflowFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			code = exitInvalid
			continue
		}
		if verr := workflow.Validate(def); verr != nil {
			fmt.Fprintf(stderr, "%s: %d problem(s)\n", path, len(verr.Violations))
			printViolations(stderr, verr.Violations)
			code = exitInvalid
			continue
		}
		fmt.Fprintf(stdout, "%s: OK (%d nodes, %d edges)\n", path, len(def.Nodes), len(def.Edges))
	}
	return code
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// loadWorkflowFile 读取定义文件，缺少 id 时使用文件名
func loadWorkflowFile(path string) (*workflow.Definition, error) {
	def, err := workflow.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = workflowIDFromPath(path)
	}
	return def, nil
}

func workflowIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// parseInterspersed 允许位置参数与选项混排，返回位置参数
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// signalContext 在 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newCLILogger 终端模式的 logger，默认只输出警告以上
func newCLILogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core)
}

// syncWriter 串行化并发写入
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// varFlag 收集可重复的 --var name=value
type varFlag map[string]string

func (v varFlag) String() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + v[name]
	}
	return strings.Join(parts, ",")
}

func (v varFlag) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v[name] = value
	return nil
}

// linePrompter 从终端逐行读取 askBeforeRun 变量，空行保留当前值
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

type lineResult struct {
	line string
	err  error
}

func (p *linePrompter) Prompt(ctx context.Context, v workflow.Variable) (string, error) {
	if v.Value != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", v.Name, v.Value)
	} else {
		fmt.Fprintf(p.out, "%s: ", v.Name)
	}

	ch := make(chan lineResult, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, io.EOF) {
			return "", r.err
		}
		line := strings.TrimRight(r.line, "\r\n")
		if strings.TrimSpace(line) == "" {
			return v.Value, nil
		}
		return line, nil
	}
}

var _ workflow.VariablePrompter = (*linePrompter)(nil)

func printLogEntry(w io.Writer, e workflow.LogEntry) {
	ts := e.Timestamp.Format("15:04:05")
	if e.NodeName != "" {
		fmt.Fprintf(w, "%s %-7s [%s] %s\n", ts, strings.ToUpper(string(e.Severity)), e.NodeName, e.Message)
		return
	}
	fmt.Fprintf(w, "%s %-7s %s\n", ts, strings.ToUpper(string(e.Severity)), e.Message)
}

func printViolations(w io.Writer, violations []workflow.Violation) {
	for _, v := range violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
}

func printRecord(w io.Writer, rec *workflow.RunRecord) {
	for _, n := range rec.Nodes {
		fmt.Fprintf(w, "== %s (%s) [%s]\n", n.NodeName, n.Kind, n.State)
		if n.SelectedChoice != "" {
			fmt.Fprintf(w, "choice: %s\n", n.SelectedChoice)
		}
		if n.Result != "" {
			fmt.Fprintln(w, strings.TrimRight(n.Result, "\n"))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "run %s %s in %s (%d nodes, %d failed)\n",
		rec.RunID, rec.Status, rec.Duration.Round(time.Millisecond), len(rec.Nodes), rec.Failed())
	if rec.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rec.Error)
	}
}
