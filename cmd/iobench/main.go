// Command iobench is a distributed storage-benchmark coordinator: in master
// mode it drives a fleet of remote services (or one local worker) through
// an ordered sequence of benchmark phases; in --service mode it runs the
// HTTP control plane a master drives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/controlserver"
	"github.com/cuemby/iobench/internal/coordinator"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/remoteworker"
	"github.com/cuemby/iobench/internal/s3sdk"
	"github.com/cuemby/iobench/internal/s3upload"
	"github.com/cuemby/iobench/internal/sharedstate"
	"github.com/cuemby/iobench/internal/signaling"
	"github.com/cuemby/iobench/internal/statsrender"
	"github.com/cuemby/iobench/internal/workerpool"
	"github.com/cuemby/iobench/internal/workexec"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "iobench",
	Short:   "Distributed storage benchmark coordinator",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("iobench version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	f := rootCmd.Flags()
	f.StringSlice("hosts", nil, "Remote service hosts to drive (master mode); empty means local-only")
	f.String("hosts-file", "", "YAML file listing additional service hosts (merged with --hosts)")
	f.Int("port", 1611, "Control-plane port, both for --service and for dialing --hosts")
	f.Bool("service", false, "Run as a service, waiting for a master to drive it")
	f.Bool("foreground", false, "Stay in the foreground instead of daemonizing (service mode only)")
	f.Bool("interrupt", false, "Tell configured --hosts to interrupt their current phase, then exit")
	f.Bool("quit", false, "Tell configured --hosts to interrupt and shut down, then exit")
	f.Int("iterations", 1, "Number of times to repeat the full phase sequence")
	f.Int("timelimit", 0, "Per-phase time limit in seconds (0 disables)")
	f.Int("next-phase-delay", 0, "Seconds to sleep between phases")
	f.Int("rotate-hosts", 0, "Rotate the hosts window by this many entries between phases")
	f.StringSlice("paths", nil, "Target directories/files to benchmark")
	f.Int("num-dirs", 1, "Directories to create per worker")
	f.Int("num-files", 1, "Files to create per worker")
	f.Int64("file-size", 0, "Bytes per created file")

	f.Bool("mkdirs", false, "Run the CREATEDIRS phase")
	f.Bool("write", false, "Run the CREATEFILES phase")
	f.Bool("stat", false, "Run the STATFILES phase")
	f.Bool("read", false, "Run the READFILES phase")
	f.Bool("del", false, "Run the DELETEFILES phase")
	f.Bool("rmdirs", false, "Run the DELETEDIRS phase")
	f.Bool("sync", false, "Run the SYNC phase around every benchmark phase")
	f.Bool("dropcache", false, "Run the DROPCACHES phase around every benchmark phase")
	f.Bool("s3-list", false, "Run the LISTOBJECTS phase")
	f.Bool("s3-list-parallel", false, "Run the LISTOBJPARALLEL phase")
	f.Bool("s3-multidel", false, "Run the MULTIDELOBJ phase")
	f.Bool("s3-put-bucket-acl", false, "Run the PUTBUCKETACL phase")
	f.Bool("s3-put-obj-acl", false, "Run the PUTOBJACL phase")
	f.Bool("s3-get-obj-acl", false, "Run the GETOBJACL phase")
	f.Bool("s3-get-bucket-acl", false, "Run the GETBUCKETACL phase")

	f.String("label", "", "Free-form label printed at the start of each phase")
	f.Bool("dry-run", false, "Print the resolved configuration and exit without running anything")
	f.String("start", "", "RFC3339 timestamp to wait for before starting (e.g. 2026-01-01T00:00:00Z)")

	f.String("s3-bucket", "", "S3 bucket to target; enables S3 object/bucket phases instead of filesystem phases")
	f.String("s3-endpoint", "", "S3-compatible endpoint override (empty uses AWS SDK default resolution)")
	f.String("s3-region", "", "S3 region")
	f.String("s3-access-key", "", "Static S3 access key (empty uses the SDK's default credential chain)")
	f.String("s3-secret-key", "", "Static S3 secret key")
	f.Int64("s3-part-size", 0, "Multipart upload part size in bytes (0 uses the default)")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	metrics.SetVersion(Version)
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()

	hosts, _ := f.GetStringSlice("hosts")
	port, _ := f.GetInt("port")
	asService, _ := f.GetBool("service")
	foreground, _ := f.GetBool("foreground")
	interruptOnly, _ := f.GetBool("interrupt")
	quitOnly, _ := f.GetBool("quit")

	if hostsFile, _ := f.GetString("hosts-file"); hostsFile != "" {
		fileHosts, err := benchconfig.LoadHostsFile(hostsFile)
		if err != nil {
			return err
		}
		hosts = append(hosts, fileHosts...)
	}

	if asService {
		// S3 SDK init happens inside runService, after any daemonisation:
		// the SDK spawns goroutines that must belong to the detached child,
		// not to a parent that is about to exit.
		return runService(port, foreground)
	}

	s3sdk.Init()

	cfg, err := buildConfig(f, hosts, port)
	if err != nil {
		return err
	}

	if interruptOnly || quitOnly {
		return interruptHosts(hosts, port, quitOnly)
	}

	return runMaster(cfg)
}

func buildConfig(f *pflag.FlagSet, hosts []string, port int) (*benchconfig.Config, error) {
	iterations, _ := f.GetInt("iterations")
	timeLimit, _ := f.GetInt("timelimit")
	nextPhaseDelay, _ := f.GetInt("next-phase-delay")
	rotateHosts, _ := f.GetInt("rotate-hosts")
	paths, _ := f.GetStringSlice("paths")
	numDirs, _ := f.GetInt("num-dirs")
	numFiles, _ := f.GetInt("num-files")
	fileSize, _ := f.GetInt64("file-size")
	label, _ := f.GetString("label")
	dryRun, _ := f.GetBool("dry-run")
	runSync, _ := f.GetBool("sync")
	runDropCaches, _ := f.GetBool("dropcache")
	startStr, _ := f.GetString("start")

	s3Bucket, _ := f.GetString("s3-bucket")

	if len(paths) == 0 {
		paths = []string{"."}
	}

	var startTime time.Time
	if startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --start timestamp %q: %w", startStr, err)
		}
		startTime = parsed
	}

	sel := phase.NewSelection()
	enableIf := func(flag string, p phase.BenchPhase) {
		if v, _ := f.GetBool(flag); v {
			sel.Enable(p)
		}
	}
	enableIf("mkdirs", phase.CreateDirs)
	enableIf("write", phase.CreateFiles)
	enableIf("stat", phase.StatFiles)
	enableIf("read", phase.ReadFiles)
	enableIf("del", phase.DeleteFiles)
	enableIf("rmdirs", phase.DeleteDirs)
	enableIf("s3-list", phase.ListObjects)
	enableIf("s3-list-parallel", phase.ListObjParallel)
	enableIf("s3-multidel", phase.MultiDelObj)
	enableIf("s3-put-bucket-acl", phase.PutBucketACL)
	enableIf("s3-put-obj-acl", phase.PutObjACL)
	enableIf("s3-get-obj-acl", phase.GetObjACL)
	enableIf("s3-get-bucket-acl", phase.GetBucketACL)

	var s3cfg *benchconfig.S3Config
	if s3Bucket != "" {
		endpoint, _ := f.GetString("s3-endpoint")
		region, _ := f.GetString("s3-region")
		accessKey, _ := f.GetString("s3-access-key")
		secretKey, _ := f.GetString("s3-secret-key")
		partSize, _ := f.GetInt64("s3-part-size")
		s3cfg = &benchconfig.S3Config{
			Endpoint:      endpoint,
			Region:        region,
			Bucket:        s3Bucket,
			AccessKey:     accessKey,
			SecretKey:     secretKey,
			PartSizeBytes: partSize,
		}
	}

	return &benchconfig.Config{
		TargetPaths:     paths,
		Iterations:      iterations,
		TimeLimitSecs:   timeLimit,
		NextPhaseDelay:  time.Duration(nextPhaseDelay) * time.Second,
		RotateHostsNum:  rotateHosts,
		Hosts:           hosts,
		ServicePort:     port,
		Label:           label,
		DryRun:          dryRun,
		NumDirs:         numDirs,
		NumFiles:        numFiles,
		FileSizeBytes:   fileSize,
		Selection:       sel,
		RunSyncPhase:    runSync,
		RunDropCaches:   runDropCaches,
		ProtocolVersion: "v1",
		StartTime:       startTime,
		S3:              s3cfg,
	}, nil
}

// newExecutorFactory returns a controlserver.ExecutorFactory (also used
// directly for master-local runs) that builds an S3-capable workexec.S3Exec
// sharing one s3upload.Registry across every rank when cfg.S3 is set, or
// workexec.NewLocalFS otherwise.
func newExecutorFactory(clientFactory s3sdk.ClientFactory) controlserver.ExecutorFactory {
	return func(cfg *benchconfig.Config) (func(rank int) workexec.PhaseExecutor, error) {
		if cfg.S3 == nil {
			return func(int) workexec.PhaseExecutor { return workexec.NewLocalFS() }, nil
		}

		client, err := clientFactory.NewClient(context.Background(), cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("building s3 client: %w", err)
		}
		registry := s3upload.NewRegistry()

		return func(int) workexec.PhaseExecutor {
			return workexec.NewS3Exec(client, registry)
		}, nil
	}
}

func runMaster(cfg *benchconfig.Config) error {
	shared := sharedstate.New()

	discipline := signaling.New(shared)
	discipline.RegisterFaultSignalHandlers()
	discipline.RegisterUserInterruptHandlers()
	defer discipline.Stop()

	newExec, err := newExecutorFactory(s3sdk.NewSDKClientFactory())(cfg)
	if err != nil {
		return err
	}

	newWorkers := func(hosts []string) []workerpool.Worker {
		if len(hosts) == 0 {
			return []workerpool.Worker{workerpool.NewLocalWorker(0, newExec(0))}
		}
		workers := make([]workerpool.Worker, len(hosts))
		for i, h := range hosts {
			workers[i] = remoteworker.New(i, h, cfg.ServicePort)
		}
		return workers
	}

	coord := coordinator.New(cfg, shared, newWorkers, statsrender.New(os.Stdout))

	err = coord.Run(context.Background())
	if err == nil {
		return nil
	}

	var timeLimitErr *errs.TimeLimitError
	if errors.As(err, &timeLimitErr) {
		// A phase time limit tripping is informational, not a run failure:
		// exit 0 rather than propagating it as an error.
		fmt.Fprintln(os.Stdout, err)
		return nil
	}

	fmt.Fprintln(os.Stderr, err)
	return err
}

func runService(port int, foreground bool) error {
	// Checked before daemonizing: a bind failure discovered only inside the
	// re-exec'd child would be silently lost, since the child's stdio is
	// redirected to /dev/null by then.
	if err := controlserver.CheckPortAvailable(port); err != nil {
		return err
	}

	if !foreground {
		if err := controlserver.Daemonize(); err != nil {
			return err
		}
	}

	s3sdk.Init()

	// Fault handlers only: a service quits directly on SIGINT/SIGTERM, so
	// the graceful user-interrupt handlers stay master-only.
	signaling.New(sharedstate.New()).RegisterFaultSignalHandlers()

	pidFile, err := controlserver.AcquirePIDFile(fmt.Sprintf("/tmp/iobench_service_%d.pid", port))
	if err != nil {
		return err
	}
	defer pidFile.Release()

	srv := controlserver.New(port, fmt.Sprintf("/tmp/iobench_upload_%d", port),
		newExecutorFactory(s3sdk.NewSDKClientFactory()))

	return srv.ListenAndServe(context.Background())
}

// interruptHosts implements the master's --interrupt/--quit shortcut:
// dispatch INTERRUPTPHASE to every configured host without running any
// benchmark, with quit=1 appended when the hosts should also shut down.
func interruptHosts(hosts []string, port int, quit bool) error {
	ihLogger := log.WithComponent("iobench")
	for i, h := range hosts {
		client := remoteworker.New(i, h, port)
		if quit {
			if err := client.Close(); err != nil {
				ihLogger.Warn().Str("host", h).Err(err).Msg("quit failed")
			}
			continue
		}
		if err := client.Interrupt(context.Background()); err != nil {
			ihLogger.Warn().Str("host", h).Err(err).Msg("interrupt failed")
		}
	}
	return nil
}
