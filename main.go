package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"cdnmesh/pkg/agent"
	"cdnmesh/pkg/dirclient"
	"cdnmesh/pkg/directory"
	"cdnmesh/pkg/fetch"
	"cdnmesh/pkg/liveness"
	"cdnmesh/pkg/master"
	"cdnmesh/pkg/metrics"
	"cdnmesh/pkg/routing"
	"cdnmesh/pkg/store"
)

type BootstrapConfig struct {
	BootstrapKind        string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" default:"static" help:"Kind of bootsrapper to use, one of dns, http or static."`
	DNSBootstrapDomain   string   `arg:"--dns-bootstrap-domain,env:DNS_BOOTSTRAP_DOMAIN" help:"Domain to use when bootstrapping using DNS."`
	DNSBootstrapServer   string   `arg:"--dns-bootstrap-server,env:DNS_BOOTSTRAP_SERVER" help:"DNS server to query, defaults to the first resolv.conf nameserver."`
	HTTPBootstrapAddr    string   `arg:"--http-bootstrap-addr,env:HTTP_BOOTSTRAP_ADDR" help:"Address to serve for HTTP bootstrap."`
	HTTPBootstrapPeer    string   `arg:"--http-bootstrap-peer,env:HTTP_BOOTSTRAP_PEER" help:"Peer to HTTP bootstrap with."`
	StaticBootstrapPeers []string `arg:"--static-bootstrap-peers,env:STATIC_BOOTSTRAP_PEERS" help:"Static list of peers to bootstrap with."`
}

type DirectoryCmd struct {
	Addr              string        `arg:"--addr,env:ADDR" default:":8080" help:"address to serve the directory API."`
	MetricsAddr       string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"address to serve metrics."`
	HeartbeatInterval time.Duration `arg:"--heartbeat-interval,env:HEARTBEAT_INTERVAL" default:"10s" help:"Interval nodes are expected to heartbeat at."`
	DeadTimeout       time.Duration `arg:"--dead-timeout,env:DEAD_TIMEOUT" help:"Silence after which a node is dead, defaults to three heartbeat intervals."`
	SweepInterval     time.Duration `arg:"--sweep-interval,env:SWEEP_INTERVAL" help:"Interval between liveness sweeps, defaults to the heartbeat interval."`
	EvictionHistory   int           `arg:"--eviction-history,env:EVICTION_HISTORY" default:"128" help:"Number of node evictions kept for inspection."`
}

type NodeCmd struct {
	BootstrapConfig
	DirectoryURL        string        `arg:"--directory-url,env:DIRECTORY_URL,required" help:"Base URL of the directory service."`
	Addr                string        `arg:"--addr,env:ADDR" default:":4000" help:"address to serve the node API."`
	AdvertiseAddress    string        `arg:"--advertise-address,env:ADVERTISE_ADDRESS,required" help:"Base URL other nodes and clients reach this node on."`
	Label               string        `arg:"--label,env:LABEL" help:"Human readable name registered with the directory."`
	MetricsAddr         string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9091" help:"address to serve metrics."`
	DataDir             string        `arg:"--data-dir,env:DATA_DIR" default:"/var/lib/cdnmesh" help:"Directory where the node persists files."`
	HeartbeatInterval   time.Duration `arg:"--heartbeat-interval,env:HEARTBEAT_INTERVAL" default:"10s" help:"Interval between heartbeats."`
	ReadvertiseInterval time.Duration `arg:"--readvertise-interval,env:READVERTISE_INTERVAL" default:"5m" help:"Interval between re-advertising stored files."`
	MaxUploadSize       int64         `arg:"--max-upload-size,env:MAX_UPLOAD_SIZE" default:"1073741824" help:"Largest accepted upload in bytes."`
	DirectoryTimeout    time.Duration `arg:"--directory-timeout,env:DIRECTORY_TIMEOUT" default:"5s" help:"Max duration of a single directory call."`
	FetchTimeout        time.Duration `arg:"--fetch-timeout,env:FETCH_TIMEOUT" default:"10s" help:"Max duration of a single fetch attempt."`
	SwarmEnabled        bool          `arg:"--swarm-enabled,env:SWARM_ENABLED" default:"false" help:"When true files are addressed by content identifier and shared through the swarm."`
	RouterAddr          string        `arg:"--router-addr,env:ROUTER_ADDR" default:":5001" help:"address to serve router."`
}

type FetchCmd struct {
	DirectoryURL     string        `arg:"--directory-url,env:DIRECTORY_URL,required" help:"Base URL of the directory service."`
	FileName         string        `arg:"--file-name,env:FILE_NAME,required" help:"Name of the file to fetch."`
	ContentType      string        `arg:"--content-type,env:CONTENT_TYPE" help:"Only consider files of this content type."`
	Output           string        `arg:"--output,env:OUTPUT" help:"Path to write the file to, defaults to the file name."`
	AttemptTimeout   time.Duration `arg:"--attempt-timeout,env:ATTEMPT_TIMEOUT" default:"10s" help:"Max duration of a single fetch attempt."`
	DirectoryTimeout time.Duration `arg:"--directory-timeout,env:DIRECTORY_TIMEOUT" default:"5s" help:"Max duration of a single directory call."`
}

type Arguments struct {
	Directory *DirectoryCmd `arg:"subcommand:directory"`
	Node      *NodeCmd      `arg:"subcommand:node"`
	Fetch     *FetchCmd     `arg:"subcommand:fetch"`
	LogLevel  slog.Level    `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	// Values from a .env file never override the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "could not load .env file: %v\n", err)
		os.Exit(1)
	}
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	switch {
	case args.Directory != nil:
		return directoryCommand(ctx, args.Directory)
	case args.Node != nil:
		return nodeCommand(ctx, args.Node)
	case args.Fetch != nil:
		return fetchCommand(ctx, args.Fetch)
	default:
		return errors.New("unknown subcommand")
	}
}

func directoryCommand(ctx context.Context, args *DirectoryCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	trackerOpts := []liveness.TrackerOption{
		liveness.WithLogger(log),
		liveness.WithHeartbeatInterval(args.HeartbeatInterval),
	}
	if args.DeadTimeout > 0 {
		trackerOpts = append(trackerOpts, liveness.WithDeadTimeout(args.DeadTimeout))
	}
	tracker, err := liveness.NewTracker(trackerOpts...)
	if err != nil {
		return err
	}
	dir, err := directory.NewDirectory(tracker, directory.WithLogger(log), directory.WithEvictionHistory(args.EvictionHistory))
	if err != nil {
		return err
	}
	masterOpts := []master.MasterOption{
		master.WithLogger(log),
	}
	if args.SweepInterval > 0 {
		masterOpts = append(masterOpts, master.WithSweepInterval(args.SweepInterval))
	}
	m, err := master.NewMaster(tracker, dir, masterOpts...)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return m.Run(ctx)
	})
	serve(ctx, g, m.Server(args.Addr))
	serve(ctx, g, metricsServer(args.MetricsAddr))

	log.Info("running directory", "addr", args.Addr, "heartbeatInterval", tracker.HeartbeatInterval(), "deadTimeout", tracker.DeadTimeout())
	return g.Wait()
}

func nodeCommand(ctx context.Context, args *NodeCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	fs := afero.NewOsFs()
	st, err := store.NewStore(fs, args.DataDir)
	if err != nil {
		return err
	}
	cat, err := store.OpenCatalogue(filepath.Join(args.DataDir, "catalogue.db"))
	if err != nil {
		return err
	}
	defer cat.Close()
	dir, err := dirclient.NewClient(args.DirectoryURL, dirclient.WithLogger(log), dirclient.WithTimeout(args.DirectoryTimeout))
	if err != nil {
		return err
	}

	agentOpts := []agent.AgentOption{
		agent.WithLogger(log),
		agent.WithLabel(args.Label),
		agent.WithHeartbeatInterval(args.HeartbeatInterval),
		agent.WithReadvertiseInterval(args.ReadvertiseInterval),
		agent.WithMaxUploadSize(args.MaxUploadSize),
	}
	fetcherOpts := []fetch.FetcherOption{
		fetch.WithLogger(log),
		fetch.WithAttemptTimeout(args.FetchTimeout),
	}
	if args.SwarmEnabled {
		_, servePort, err := net.SplitHostPort(args.Addr)
		if err != nil {
			return err
		}
		bootstrapper, err := getBootstrapper(args.BootstrapConfig)
		if err != nil {
			return err
		}
		routerOpts := []routing.P2PRouterOption{
			routing.WithDataDir(args.DataDir),
			routing.WithFilesystem(fs),
		}
		router, err := routing.NewP2PRouter(ctx, args.RouterAddr, bootstrapper, servePort, routerOpts...)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return router.Run(ctx)
		})
		agentOpts = append(agentOpts, agent.WithRouter(router))
		fetcherOpts = append(fetcherOpts, fetch.WithRouter(router))
	}
	fetcher, err := fetch.NewFetcher(fetcherOpts...)
	if err != nil {
		return err
	}
	agentOpts = append(agentOpts, agent.WithFetcher(fetcher))

	a, err := agent.NewAgent(args.AdvertiseAddress, dir, st, cat, agentOpts...)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return a.Run(ctx)
	})
	serve(ctx, g, a.Server(args.Addr))
	serve(ctx, g, metricsServer(args.MetricsAddr))

	log.Info("running node", "addr", args.Addr, "advertise", args.AdvertiseAddress, "directory", args.DirectoryURL, "swarm", args.SwarmEnabled)
	return g.Wait()
}

func fetchCommand(ctx context.Context, args *FetchCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	dir, err := dirclient.NewClient(args.DirectoryURL, dirclient.WithLogger(log), dirclient.WithTimeout(args.DirectoryTimeout))
	if err != nil {
		return err
	}
	fetcher, err := fetch.NewFetcher(fetch.WithLogger(log), fetch.WithAttemptTimeout(args.AttemptTimeout))
	if err != nil {
		return err
	}
	content, err := fetcher.FetchFile(ctx, dir, args.FileName, args.ContentType)
	if err != nil {
		return err
	}
	output := args.Output
	if output == "" {
		output = filepath.Base(args.FileName)
	}
	err = afero.WriteFile(afero.NewOsFs(), output, content.Data, 0o644)
	if err != nil {
		return err
	}
	log.Info("fetched file", "fileName", args.FileName, "contentType", content.Location.ContentType, "source", content.Source, "size", len(content.Data), "output", output)
	return nil
}

func serve(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func metricsServer(addr string) *http.Server {
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func getBootstrapper(cfg BootstrapConfig) (routing.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.BootstrapKind {
	case "dns":
		return routing.NewDNSBootstrapper(cfg.DNSBootstrapDomain, 10, cfg.DNSBootstrapServer), nil
	case "http":
		return routing.NewHTTPBootstrapper(cfg.HTTPBootstrapAddr, cfg.HTTPBootstrapPeer), nil
	case "static":
		return routing.NewStaticBootstrapperFromStrings(cfg.StaticBootstrapPeers)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.BootstrapKind)
	}
}
