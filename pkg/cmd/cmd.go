package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gernest/hsproxy/pkg/admin"
	"github.com/gernest/hsproxy/pkg/config"
	"github.com/gernest/hsproxy/pkg/metrics"
	"github.com/gernest/hsproxy/pkg/rate"
	"github.com/gernest/hsproxy/pkg/resolve"
	"github.com/gernest/hsproxy/pkg/store"
	"github.com/gernest/hsproxy/pkg/zlg"
	"github.com/gernest/hsproxy/proxy"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App returns the command line application. The default action runs the
// proxy.
func App(version, releaseID string) *cli.App {
	a := cli.NewApp()
	a.Name = "hsproxy"
	a.Version = version
	a.Usage = "Hostname routing reverse proxy for handshake based game servers"
	a.Flags = Flags()
	a.Action = func(ctx *cli.Context) error {
		return start(ctx, admin.Info{
			Version:   ctx.App.Version,
			ReleaseID: releaseID,
			ServiceID: "hsproxy",
		})
	}
	a.Commands = []cli.Command{Check()}
	return a
}

func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "config,c",
			Usage:  "Path to the configuration file. Its directory is watched for changes",
			EnvVar: "HSPROXY_CONFIG",
			Value:  "hsproxy.toml",
		},
		cli.StringFlag{
			Name:   "verbosity,v",
			Usage:  "Log level, one of debug, info, warn or error",
			EnvVar: "HSPROXY_VERBOSITY",
			Value:  "info",
		},
		cli.StringFlag{
			Name:   "fancy,f",
			Usage:  "Human readable colored logs: auto, true or false. auto enables them on a terminal",
			EnvVar: "HSPROXY_FANCY",
			Value:  "auto",
		},
		cli.StringFlag{
			Name:   "admin",
			Usage:  "host:port serving /metrics, /health, /config and /reload. Empty disables it",
			EnvVar: "HSPROXY_ADMIN",
			Value:  "127.0.0.1:5500",
		},
		cli.DurationFlag{
			Name:   "debounce",
			Usage:  "Quiet period after a configuration file change before reloading",
			EnvVar: "HSPROXY_DEBOUNCE",
			Value:  store.DefaultDebounce,
		},
	}
}

// Check returns the command validating a configuration file without serving.
func Check() cli.Command {
	return cli.Command{
		Name:      "check",
		Usage:     "Validate a configuration file and print the routing table",
		ArgsUsage: "[file]",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				path = ctx.GlobalString("config")
			}
			c, err := config.Load(path)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			t, err := c.Table()
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			w := ctx.App.Writer
			fmt.Fprintf(w, "listen %s\n", t.Listen)
			for _, r := range t.Rules {
				fmt.Fprintf(w, "%s -> %s\n", r.Host, r.Backend)
			}
			if t.Fallback != nil {
				fmt.Fprintf(w, "* -> %s\n", t.Fallback.Backend)
			}
			return nil
		},
	}
}

func fancyOutput(v string) (bool, error) {
	if v == "auto" {
		return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()), nil
	}
	return strconv.ParseBool(v)
}

// configPath resolves the configuration path and makes sure its directory
// exists, since that directory is what gets watched.
func configPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	fi, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("configuration directory %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("configuration directory %s is not a directory", dir)
	}
	return abs, nil
}

// start starts the proxy service
func start(ctx *cli.Context, info admin.Info) error {
	fancy, err := fancyOutput(ctx.String("fancy"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --fancy value %q", ctx.String("fancy")), 2)
	}
	if err := zlg.Configure(ctx.String("verbosity"), fancy); err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --verbosity: %v", err), 2)
	}
	defer zlg.Logger.Sync()

	path, err := configPath(ctx.String("config"))
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	st, err := store.New(path, store.Options{
		Debounce: ctx.Duration("debounce"),
		OnReload: m.Reload,
	})
	if err != nil {
		return err
	}
	if err := st.Load(); err != nil {
		return err
	}
	c := st.Config()
	zlg.Info("Loaded configuration",
		zap.String("path", path),
		zap.Int("rules", len(c.Rules)),
		zap.Bool("fallback", c.Fallback != nil),
	)
	res, err := resolve.New(c.Resolver.Options())
	if err != nil {
		return err
	}
	defer res.Close()
	p := &proxy.Proxy{
		Source:   st,
		Resolver: res,
		Metrics:  m,
	}
	if lc, ok := c.Limits.Options(); ok {
		limiter, err := rate.New(lc)
		if err != nil {
			return fmt.Errorf("connection limiter: %w", err)
		}
		defer limiter.Close()
		p.Limiter = limiter
	}

	var adminLn net.Listener
	if addr := ctx.String("admin"); addr != "" {
		adminLn, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("admin listen %s: %w", addr, err)
		}
	}

	sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(sctx, p, st, adminLn, admin.Handler(st, reg, info))
}

// Run runs the proxy, the configuration watcher and, when adminLn is not nil,
// the admin server until ctx is done or one of them fails.
func Run(ctx context.Context, p *proxy.Proxy, st *store.Store, adminLn net.Listener, h http.Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		return st.Watch(gctx)
	})
	if adminLn != nil {
		g.Go(func() error {
			return admin.Serve(gctx, adminLn, h)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zlg.Info("Shutdown complete")
	return nil
}
