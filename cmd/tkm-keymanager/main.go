package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/config"
	"github.com/iniwex5/tkm-go/pkg/driver"
	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
	"github.com/iniwex5/tkm-go/pkg/tkmrpc"
)

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "/etc/tkm/tkm.toml",
	Usage:   "TOML configuration file",
}

var SocketFlag = &cli.StringFlag{
	Name:    "socket",
	Usage:   "override rpc.socket",
	EnvVars: []string{config.EnvSocket},
}

var LogLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Usage: "override log.level (debug, info, warn, error)",
}

func main() {
	app := &cli.App{
		Name:  "tkm-keymanager",
		Usage: "Trusted key manager for IKEv2/IPsec",
		Flags: []cli.Flag{ConfigFlag, SocketFlag, LogLevelFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the key manager on a Unix socket",
				Action: serve,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration and exit",
				Action: checkConfig,
			},
			{
				Name:   "algorithms",
				Usage:  "query a running key manager for its algorithm set",
				Action: algorithms,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(ConfigFlag.Name))
	if err != nil {
		return nil, err
	}
	if s := cCtx.String(SocketFlag.Name); s != "" {
		cfg.RPC.Socket = s
	}
	if l := cCtx.String(LogLevelFlag.Name); l != "" {
		cfg.Log.Level = l
	}
	return cfg, cfg.Validate()
}

func newSink(cfg *config.Config) (tkm.KernelSink, func() error, error) {
	if !cfg.Kernel.Enable {
		return tkm.NewMemorySink(), func() error { return nil }, nil
	}
	x, err := driver.NewXFRMManager(
		driver.WithNetNS(cfg.Kernel.NetNS),
		driver.WithIfid(cfg.Kernel.Ifid),
		driver.WithXFRMLogger(logger.Named("xfrm")),
	)
	if err != nil {
		return nil, nil, err
	}
	return x, x.Close, nil
}

func serve(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	algs, err := cfg.TKM.AlgorithmSet()
	if err != nil {
		return err
	}
	sink, closeSink, err := newSink(cfg)
	if err != nil {
		return fmt.Errorf("打开内核接口: %w", err)
	}

	local := tkm.NewLocal(
		tkm.WithLimits(cfg.TKM.Limits()),
		tkm.WithAlgorithms(algs),
		tkm.WithKernelSink(sink),
		tkm.WithSADefaults(cfg.Kernel.SADefaults()),
		tkm.WithLogger(logger.Named("tkm")),
	)
	srv := tkmrpc.NewServer(local,
		tkmrpc.WithAllowedUIDs(cfg.RPC.AllowedUIDs...),
		tkmrpc.WithServerLogger(logger.Named("rpc")),
	)
	if err := srv.Listen(cfg.RPC.Socket); err != nil {
		return multierr.Append(err, closeSink())
	}

	log.Info("密钥管理器已启动",
		zap.String("socket", cfg.RPC.Socket),
		zap.Bool("kernel", cfg.Kernel.Enable),
		zap.String("netns", cfg.Kernel.NetNS),
		zap.String("mode", cfg.Kernel.Mode))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	log.Info("收到退出信号")

	stats := local.Stats()
	log.Info("句柄统计",
		zap.Int("isas", stats.ISAs),
		zap.Int("esas", stats.ESAs),
		zap.Uint64("derivations", stats.Derivations),
		zap.Uint64("installs", stats.Installs),
		zap.Uint64("requests", srv.Served()))

	return multierr.Combine(srv.Close(), closeSink())
}

func checkConfig(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cCtx.App.Writer, "配置有效: socket=%s kernel=%t mode=%s\n",
		cfg.RPC.Socket, cfg.Kernel.Enable, cfg.Kernel.Mode)
	return nil
}

func algorithms(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cCtx.Context, cfg.RPC.Timeout)
	defer cancel()

	client, err := tkmrpc.Dial(ctx, cfg.RPC.Socket, tkmrpc.WithTimeout(cfg.RPC.Timeout))
	if err != nil {
		return err
	}
	defer client.Close()

	set, err := client.Algorithms(ctx)
	if err != nil {
		return err
	}
	w := cCtx.App.Writer
	fmt.Fprintf(w, "encr:  %v\n", set.Encr)
	fmt.Fprintf(w, "integ: %v\n", set.Integ)
	fmt.Fprintf(w, "prf:   %v\n", set.PRF)
	fmt.Fprintf(w, "dh:    %v\n", set.DH)
	return nil
}
