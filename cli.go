package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/version"
)

// cliOptions 汇总全局标志，便于在测试中注入。
type cliOptions struct {
	configFlag  string
	checkOnly   bool
	showVersion bool
}

// exitError 携带非 1 的退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// run 执行命令树并返回退出码，方便测试。
func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "any-cache",
		Short:         "Full-page HTTP cache with sitemap preloading",
		Long:          "any-cache 位于站点前方，缓存完整的 HTML 响应，按 sitemap 预热，并可生成 .htaccess 规则让 Web 服务器直接返回缓存页面。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Fprintln(stdOut, version.Full())
				return nil
			}
			if opts.checkOnly {
				return checkConfig(opts)
			}
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(
		newServeCmd(opts),
		newCheckConfigCmd(opts),
		newPreloadCmd(opts),
		newHtaccessCmd(opts),
		newPurgeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动缓存代理服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func newCheckConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置文件",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return checkConfig(opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdOut, version.Full())
		},
	}
}

func newPreloadCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preload",
		Short: "管理 sitemap 预热任务",
	}

	var source, format string
	start := &cobra.Command{
		Use:   "start",
		Short: "在当前进程中执行一次完整预热",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withStack(opts, "preload_start", func(s *stack) error {
				ctx, stop := signalContext(c.Context())
				defer stop()
				result, err := s.engine.Run(ctx, source)
				if err != nil && result.PreloadID == "" {
					return err
				}
				if printErr := printValue(result, format); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	start.Flags().StringVar(&source, "source", "", "逗号分隔的 sitemap 列表，默认使用配置")
	start.Flags().StringVar(&format, "format", "json", "输出格式：json 或 yaml")

	var token, statusFormat string
	status := &cobra.Command{
		Use:   "status",
		Short: "查看当前预热状态与最近一次结果",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withStack(opts, "preload_status", func(s *stack) error {
				st, err := s.engine.Status(c.Context(), token)
				if err != nil {
					return err
				}
				return printValue(st, statusFormat)
			})
		},
	}
	status.Flags().StringVar(&token, "preload-id", "", "上次拿到的 preload_id，用于判断是否仍为当前任务")
	status.Flags().StringVar(&statusFormat, "format", "json", "输出格式：json 或 yaml")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "取消当前预热任务",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withStack(opts, "preload_cancel", func(s *stack) error {
				canceled, err := s.engine.Cancel(c.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(stdOut, "canceled: %t\n", canceled)
				return nil
			})
		},
	}

	cmd.AddCommand(start, status, cancel)
	return cmd
}

func newHtaccessCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "htaccess",
		Short: "维护 .htaccess 中的托管规则区段",
	}
	apply := &cobra.Command{
		Use:   "apply",
		Short: "写入生成的规则",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withStack(opts, "htaccess_apply", func(s *stack) error {
				if _, err := s.delivery.Apply(c.Context()); err != nil {
					return err
				}
				fmt.Fprintf(stdOut, "rules written to %s\n", s.delivery.File().Path())
				return nil
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove",
		Short: "移除托管规则区段",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withStack(opts, "htaccess_remove", func(s *stack) error {
				if _, err := s.delivery.Remove(c.Context()); err != nil {
					return err
				}
				fmt.Fprintf(stdOut, "rules removed from %s\n", s.delivery.File().Path())
				return nil
			})
		},
	}
	printRules := &cobra.Command{
		Use:   "print",
		Short: "输出将要写入的规则",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withStack(opts, "htaccess_print", func(s *stack) error {
				fmt.Fprint(stdOut, s.delivery.Rules())
				return nil
			})
		},
	}
	cmd.AddCommand(apply, remove, printRules)
	return cmd
}

func newPurgeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <url>...",
		Short: "清除指定 URL 的缓存条目",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withStack(opts, "purge", func(s *stack) error {
				for _, raw := range args {
					key, err := s.pipeline.Purge(c.Context(), raw)
					if err != nil {
						return fmt.Errorf("purge %s: %w", raw, err)
					}
					fmt.Fprintf(stdOut, "purged %s\n", key)
				}
				return nil
			})
		},
	}
}

// loadRuntime 加载配置并初始化日志。
func loadRuntime(opts *cliOptions) (*config.Config, *logrus.Logger, string, error) {
	path := config.ResolvePath(opts.configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, path, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, path, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, path, nil
}

func checkConfig(opts *cliOptions) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	fields := logging.BaseFields("check_config", path)
	fields["origin"] = cfg.Origin.Upstream
	fields["host"] = cfg.PublicHost()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["preload"] = cfg.PreloadEnabled()
	fields["delivery"] = cfg.Delivery.Enabled
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

// withStack 为一次性命令组装组件，执行 fn 后释放资源。
func withStack(opts *cliOptions, action string, fn func(*stack) error) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	s, err := buildStack(cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化组件失败: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields(action, path)).Warn("shutdown_failed")
		}
	}()
	return fn(s)
}

// serve 遵循“配置 → 组件 → 调度器 → Fiber server”顺序启动，收到信号后优雅退出。
func serve(parent context.Context, opts *cliOptions) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	s, err := buildStack(cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化组件失败: %w", err)
	}
	defer s.Close()

	fields := logging.BaseFields("startup", path)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Origin.Upstream
	fields["host"] = cfg.PublicHost()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["tasks"] = strings.Join(s.scheduler.Names(), ",")
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signalContext(parent)
	defer stop()
	if err := s.serve(ctx); err != nil {
		return fmt.Errorf("HTTP 服务启动失败: %w", err)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printValue 以 json 或 yaml 输出结构化结果。
func printValue(v any, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(stdOut)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return &exitError{code: 2, err: fmt.Errorf("unsupported format %q", format)}
	}
}
