package command

import (
	"context"
	"fmt"
	"time"

	"connectorhub/internal/pkg"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configDir string
	hubs      []string
	key       string
	duration  time.Duration
	verbose   bool
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "hubcli",
		Short:         "connectorhub CLI for discovering and controlling window coverings",
		Long:          `hubcli talks to connector hubs over UDP: discover devices, read state, send commands, or run a local hub simulator.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configDir, "config", "c", "", "配置目录 (可选)")
	flags.StringSliceVar(&opts.hubs, "hub", nil, "集线器 IPv4 地址，可重复；为空时使用配置或组播")
	flags.StringVarP(&opts.key, "key", "k", "", "connectorKey，覆盖配置")
	flags.DurationVarP(&opts.duration, "duration", "d", 3*time.Second, "一轮发现持续的时间")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "输出调试日志")

	rootCmd.AddCommand(
		newDiscoverCommand(opts),
		newReadCommand(opts),
		newSetCommand(opts),
		newOpCommand(opts),
		newAngleCommand(opts),
		newTokenCommand(),
		newConfigCommand(opts),
		newSimulateCommand(opts),
	)
	return rootCmd
}

// loadConfig 读取配置目录 (可选)，再用命令行参数覆盖
func (o *options) loadConfig() (*pkg.Config, error) {
	config := &pkg.Config{}
	if o.configDir != "" {
		loaded, err := pkg.InitCommon(o.configDir)
		if err != nil {
			return nil, fmt.Errorf("加载配置失败: %w", err)
		}
		config = loaded
	}
	if len(o.hubs) > 0 {
		config.Hub.Addresses = o.hubs
	}
	if o.key != "" {
		config.Hub.ConnectorKey = o.key
	}
	if o.duration > 0 {
		config.Discovery.Duration = o.duration
	}
	config.ApplyDefaults()
	// 单轮发现时探测间隔不超过发现时长
	if config.Discovery.Frequency > config.Discovery.Duration {
		config.Discovery.Frequency = config.Discovery.Duration
	}
	return config, nil
}

// context 创建挂载了配置与日志的上下文
func (o *options) context(config *pkg.Config) (context.Context, context.CancelFunc) {
	log := zap.NewNop()
	if o.verbose {
		log = pkg.NewLogger(&pkg.LogConfig{Level: "debug"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = pkg.WithErrChan(ctx, make(chan error, 10))
	ctx = pkg.WithConfig(ctx, config)
	ctx = pkg.WithLogger(ctx, log)
	return ctx, cancel
}
