package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "logavg/internal/config"
	"logavg/internal/diag"
	"logavg/internal/pipeline"
	"logavg/internal/watch"
	"logavg/pkg/contract"
)

// 退出码：0 成功；1 运行失败（硬错误或 continue 模式下存在失败文件）；3 配置错误。
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

// 默认配置文件名（工作目录下存在时自动读取）。
const defaultConfigFile = "logavg.yaml"

var pipelineRun = pipeline.Run

// exitError 携带退出码穿过 cobra 的 RunE。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

// cliFlags 为 CLI 覆盖项；仅显式设置的旗标参与合并。
type cliFlags struct {
	config      string
	output      string
	concurrency int
	onError     string
	sink        string
	logLevel    string
	status      bool
	debounce    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute 运行 CLI 并返回退出码。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !errors.Is(ee.err, context.Canceled) {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	// 旗标/参数解析错误
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitConfig
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var fl cliFlags
	runE := func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, args, &fl, stdout, stderr)
	}
	root := &cobra.Command{
		Use:   "logavg [dir]",
		Short: "Average the trailing ELAPSED TIME measurements of benchmark logs",
		Long: `logavg scans a directory (non-recursively) for .log files, extracts the value
following every "ELAPSED TIME" marker line and, for files holding exactly 12
values, appends the mean of the last 10 to an append-only results table.

With no directory argument the current directory is scanned.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runE,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&fl.config, "config", "", "配置文件路径（YAML）；缺省读取 ./"+defaultConfigFile+"（若存在）")
	pf.StringVarP(&fl.output, "output", "o", "", "输出表路径（覆盖配置）；缺省为 <dir>/processed_results.csv")
	pf.IntVar(&fl.concurrency, "concurrency", 0, "解析并发度（覆盖配置）")
	pf.StringVar(&fl.onError, "on-error", "", "硬错误策略 abort|continue（覆盖配置）")
	pf.StringVar(&fl.sink, "sink", "", "输出实现 csv|sqlite（覆盖配置）")
	pf.StringVar(&fl.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.BoolVar(&fl.status, "status", true, "向 stdout 输出逐文件诊断行")

	runCmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Scan a directory once (default command)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runE,
	}
	watchCmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Scan once, then process new or rewritten logs as they settle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, &fl, stdout, stderr)
		},
	}
	watchCmd.Flags().DurationVar(&fl.debounce, "debounce", 0, "文件静默多久后处理（覆盖配置，默认 500ms）")
	initCmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write " + defaultConfigFile + " and .env templates (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return initConfig(dir, stderr)
		},
	}
	root.AddCommand(runCmd, watchCmd, initCmd)
	return root
}

// loadConfig 按 Defaults < YAML < ENV(.env) < CLI 合并并校验。
func loadConfig(cmd *cobra.Command, args []string, fl *cliFlags, stderr io.Writer) (cfgpkg.Config, error) {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfgpkg.Config{}, configErr(".env: %w", err)
	}

	path := fl.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadYAML(path, nil)
		if err != nil {
			return cfg, configErr("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configErr("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	var overCLI cfgpkg.Config
	if len(args) > 0 {
		overCLI.Input = args[0]
	}
	flags := cmd.Flags()
	overCLI.Output = fl.output
	overCLI.OnError = fl.onError
	overCLI.Components.Sink = fl.sink
	overCLI.Logging.Level = fl.logLevel
	if flags.Changed("concurrency") {
		if fl.concurrency < 1 {
			return cfg, configErr("--concurrency must be >= 1")
		}
		overCLI.Concurrency = fl.concurrency
	}
	if f := flags.Lookup("debounce"); f != nil && f.Changed {
		overCLI.Watch.DebounceMS = int(fl.debounce.Milliseconds())
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		// 打印有效配置，便于诊断
		dumpConfig(stderr, cfg)
		return cfg, configErr("配置校验失败: %w", err)
	}
	return cfg, nil
}

// session 为一次 CLI 调用的装配结果。
type session struct {
	cfg    cfgpkg.Config
	comp   pipeline.Components
	set    pipeline.Settings
	logger *diag.Logger
	term   *diag.Terminal
}

func (s *session) close() {
	s.logger.DebugStart("diag", "metrics", "", map[string]string{"counters": strings.Join(diag.SnapshotLines(), "; ")})
	diag.SetTerminal(nil)
	if s.comp.Sink != nil {
		_ = s.comp.Sink.Close()
	}
	_ = s.logger.Sync()
}

func openSession(cmd *cobra.Command, args []string, fl *cliFlags, stdout, stderr io.Writer) (*session, error) {
	cfg, err := loadConfig(cmd, args, fl, stderr)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger := diag.NewLogger(runID, cfg.Logging.Level, cfg.Logging.Dir)
	comp, set, err := cfgpkg.Assemble(cfg, runID)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", nil)
		_ = logger.Sync()
		return nil, configErr("装配失败: %w", err)
	}
	logger.DebugStart("config", "effective", "", map[string]string{
		"input":       cfg.Input,
		"output":      comp.Sink.Location(),
		"concurrency": strconv.Itoa(cfg.Concurrency),
		"on_error":    cfg.OnError,
		"reader":      cfg.Components.Reader,
		"sink":        cfg.Components.Sink,
		"marker":      comp.Averager.Marker(),
	})
	term := diag.NewTerminal(stdout, fl.status)
	diag.SetTerminal(term)
	return &session{cfg: cfg, comp: comp, set: set, logger: logger, term: term}, nil
}

func runOnce(cmd *cobra.Command, args []string, fl *cliFlags, stdout, stderr io.Writer) error {
	s, err := openSession(cmd, args, fl, stdout, stderr)
	if err != nil {
		return err
	}
	defer s.close()

	start := time.Now()
	s.term.RunStart(s.set.Input, s.set.Concurrency)
	rep, err := pipelineRun(cmd.Context(), s.comp, s.set, s.logger)
	if err != nil {
		s.logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		s.term.RunFinish(false, "")
		return &exitError{code: exitRun, err: err}
	}
	s.term.RunFinish(true, rep.Output)
	if rep.Failed() {
		return &exitError{code: exitRun, err: fmt.Errorf("%d file(s) failed", rep.Count(contract.StatusFailed))}
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string, fl *cliFlags, stdout, stderr io.Writer) error {
	s, err := openSession(cmd, args, fl, stdout, stderr)
	if err != nil {
		return err
	}
	defer s.close()

	s.term.RunStart(s.set.Input, s.set.Concurrency)
	w := watch.New(s.comp, s.set, s.logger, &watch.Options{
		Debounce: time.Duration(s.cfg.Watch.DebounceMS) * time.Millisecond,
		Ignore:   []string{s.comp.Sink.Location()},
		OnBatch: func(rep *contract.Report, err error) {
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			}
			s.term.RunFinish(err == nil, rep.Output)
		},
	})
	if err := w.Run(cmd.Context()); err != nil {
		return &exitError{code: exitRun, err: fmt.Errorf("watch %s: %w", s.set.Input, err)}
	}
	return nil
}

// initConfig 在 dir 下生成 logavg.yaml 与 .env 模板；已存在的 .env 跳过，已存在的配置报错。
func initConfig(dir string, stderr io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return configErr("生成默认配置失败: %w", err)
	}
	b, err := cfgpkg.MarshalTemplate(cfgpkg.DefaultTemplateConfig())
	if err != nil {
		return configErr("生成默认配置失败: %w", err)
	}
	if err := writeExclusive(filepath.Join(dir, defaultConfigFile), b); err != nil {
		return configErr("生成默认配置失败: %w", err)
	}
	if err := writeExclusive(filepath.Join(dir, ".env"), []byte(dotEnvTemplate())); err != nil && !errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

// writeExclusive 仅创建新文件；不覆盖，不合并。
func writeExclusive(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func dotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# logavg .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > YAML\n")
	b.WriteString("# 空值表示未设置。\n\n")
	b.WriteString("LOGAVG_CONFIG_FILE=\n\n")
	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUT", "OUTPUT", "CONCURRENCY", "ON_ERROR", "LOG_LEVEL", "LOG_DIR"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	b.WriteString(cfgpkg.EnvPrefix + "COMPONENTS_READER=\n")
	b.WriteString(cfgpkg.EnvPrefix + "COMPONENTS_SINK=\n")
	b.WriteString("\n# 测量参数\n")
	for _, k := range []string{"MEASURE_MARKER", "MEASURE_EXPECTED_COUNT", "MEASURE_WINDOW", "MEASURE_PRECISION"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 监听模式\n")
	b.WriteString(cfgpkg.EnvPrefix + "WATCH_DEBOUNCE_MS=\n")
	return b.String()
}

func dumpConfig(w io.Writer, c cfgpkg.Config) {
	b, err := cfgpkg.MarshalTemplate(c)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "有效配置:\n%s", b)
}
