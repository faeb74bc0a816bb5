package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/loramesher/internal/config"
	"github.com/busybox42/loramesher/internal/logging"
	"github.com/busybox42/loramesher/internal/periodic"
	"github.com/busybox42/loramesher/pkg/hardware"
	"github.com/busybox42/loramesher/pkg/hardware/rylr"
	"github.com/busybox42/loramesher/pkg/hardware/stub"
	"github.com/busybox42/loramesher/pkg/hardware/udp"
	"github.com/busybox42/loramesher/pkg/mesher"
	"github.com/busybox42/loramesher/pkg/metrics"
	"github.com/busybox42/loramesher/pkg/types"
)

var log = logrus.New()

var rootFlags struct {
	config      string
	logLevel    string
	backend     string
	device      string
	baudRate    int
	group       string
	iface       string
	protocol    string
	address     string
	metrics     string
	interactive bool
	statusEvery time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "loramesher",
	Short: "LoRa mesh node",
	Long: `loramesher runs a single mesh node on a LoRa radio.

The radio is either a REYAX AT modem on a serial port (rylr), a simulated
channel shared over IPv4 multicast (udp), or an unconnected stub. Settings
come from an optional YAML file; flags override the file.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd.Flags())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&rootFlags.config, "config", "c", "", "YAML configuration file")
	f.StringVar(&rootFlags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&rootFlags.backend, "radio", config.BackendStub, "radio backend: stub, udp or rylr")
	f.StringVar(&rootFlags.device, "device", "/dev/ttyUSB0", "serial device of the rylr modem")
	f.IntVar(&rootFlags.baudRate, "baud", rylr.DefaultBaudRate, "baud rate of the rylr modem")
	f.StringVar(&rootFlags.group, "group", udp.DefaultGroup, "multicast group of the udp backend")
	f.StringVar(&rootFlags.iface, "iface", "", "network interface of the udp backend")
	f.StringVarP(&rootFlags.protocol, "protocol", "p", "loramesh", "protocol: loramesh or pingpong")
	f.StringVarP(&rootFlags.address, "address", "a", "", "node address (decimal or 0x hex, empty for automatic)")
	f.StringVar(&rootFlags.metrics, "metrics", "", "listen address of the Prometheus endpoint, e.g. :9100")
	f.BoolVarP(&rootFlags.interactive, "interactive", "i", true, "run the interactive console")
	f.DurationVar(&rootFlags.statusEvery, "status-interval", time.Minute, "how often the network status is logged")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger(level string) error {
	l, err := logging.New(level, os.Stdout)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log = l
	return nil
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(flags *pflag.FlagSet) (config.File, error) {
	file := config.Default()
	if rootFlags.config != "" {
		var err error
		if file, err = config.Load(rootFlags.config); err != nil {
			return config.File{}, err
		}
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { file.LogLevel = rootFlags.logLevel })
	set("radio", func() { file.Radio.Backend = rootFlags.backend })
	set("device", func() { file.Radio.Device = rootFlags.device })
	set("baud", func() { file.Radio.BaudRate = rootFlags.baudRate })
	set("group", func() { file.Radio.Group = rootFlags.group })
	set("iface", func() { file.Radio.Interface = rootFlags.iface })
	set("protocol", func() { file.Protocol.Type = rootFlags.protocol })
	set("address", func() { file.Node.Address = rootFlags.address })
	set("metrics", func() { file.Metrics.Listen = rootFlags.metrics })
	return file, nil
}

func openDriver(file config.File) (hardware.Driver, error) {
	switch file.Radio.Backend {
	case config.BackendStub, "":
		return stub.New(), nil
	case config.BackendUDP:
		return udp.Open(udp.Config{Group: file.Radio.Group, Interface: file.Radio.Interface}, log)
	case config.BackendRYLR:
		return rylr.Open(rylr.Config{
			Device:    file.Radio.Device,
			BaudRate:  file.Radio.BaudRate,
			NetworkID: file.Radio.NetworkID,
		}, log)
	}
	return nil, fmt.Errorf("unknown radio backend %q", file.Radio.Backend)
}

// checkFlags rejects flag values that have no config file counterpart.
func checkFlags() error {
	if rootFlags.statusEvery <= 0 {
		return fmt.Errorf("status interval must be positive, got %s", rootFlags.statusEvery)
	}
	return nil
}

func run(flags *pflag.FlagSet) error {
	if err := checkFlags(); err != nil {
		return err
	}
	file, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := initLogger(file.LogLevel); err != nil {
		return err
	}
	cfg, err := file.Mesher()
	if err != nil {
		return err
	}

	drv, err := openDriver(file)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	node, err := mesher.New(cfg,
		mesher.WithDriver(drv),
		mesher.WithLogger(log),
		mesher.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		drv.Close()
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.WithError(err).Warn("Closing radio")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cons *console
	if rootFlags.interactive {
		cons = newConsole(node, os.Stdin, os.Stdout)
	} else {
		node.SetDataCallback(func(src types.Address, payload []byte) {
			log.WithFields(logrus.Fields{
				"source": src,
				"bytes":  len(payload),
			}).Info("Received message")
		})
	}

	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	log.WithFields(logrus.Fields{
		"address":  node.NodeAddress(),
		"protocol": node.ActiveProtocolType(),
		"radio":    file.Radio.Backend,
	}).Info("Node started")

	status := periodic.Start(periodic.TaskFunc(func() { logStatus(node) }),
		periodic.NewTicker(rootFlags.statusEvery))
	defer status.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if file.Metrics.Listen != "" {
		serveMetrics(ctx, g, file.Metrics.Listen, reg)
	}
	if cons != nil {
		g.Go(func() error {
			defer stop()
			return cons.run(ctx)
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err = g.Wait()
	log.Info("Shutting down")
	return err
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func logStatus(node *mesher.Mesher) {
	st := node.NetworkStatus()
	log.WithFields(logrus.Fields{
		"address":   st.NodeAddress,
		"protocol":  st.Protocol,
		"state":     st.State,
		"routes":    st.ActiveRoutes,
		"neighbors": st.Neighbors,
		"uptime":    st.Uptime.Truncate(time.Second),
	}).Info("Network status")
}
