// Command txrelay is the process entry point: the master supervisor when
// invoked normally, or a single worker when re-exec'd with the hidden
// "worker" subcommand. This split is the Go stand-in for fork(2): the
// teacher's cobra-wrapped root command pattern is kept, trimmed of the
// bubbletea interactive UI the teacher layers on top.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nabbar/txrelay/internal/acl"
	"github.com/nabbar/txrelay/internal/config"
	"github.com/nabbar/txrelay/internal/logging"
	"github.com/nabbar/txrelay/internal/master"
	"github.com/nabbar/txrelay/internal/rpcclient"
	"github.com/nabbar/txrelay/internal/staticfiles"
	"github.com/nabbar/txrelay/internal/tlsmgr"
	"github.com/nabbar/txrelay/internal/worker"
)

var (
	flagTest     bool
	flagWorkers  int
	flagWorkerID int
)

func main() {
	root := &cobra.Command{
		Use:   "txrelay [config-path]",
		Short: "Bitcoin transaction relay front-end server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMaster,
	}
	root.Flags().BoolVarP(&flagTest, "test", "t", false, "parse config and exit")
	root.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "worker process count (0 = auto)")

	workerCmd := &cobra.Command{
		Use:    "worker [config-path]",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE:   runWorker,
	}
	workerCmd.Flags().IntVar(&flagWorkerID, "worker-id", 0, "worker slot id assigned by the master")
	root.AddCommand(workerCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "txrelay.ini"
}

func runMaster(cmd *cobra.Command, args []string) error {
	path := configPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flagTest {
		fmt.Printf("%+v\n", cfg)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})

	m := master.New(master.Config{
		ConfigPath: path,
		Workers:    flagWorkers,
		Executable: exe,
		Log:        log,
		SlotMaxSum: cfg.Slots.MaxNormal + cfg.Slots.MaxLarge + cfg.Slots.MaxHuge,
	})
	return m.Run()
}

func runWorker(cmd *cobra.Command, args []string) error {
	path := args[0]
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON}).WorkerLogger(flagWorkerID)

	var blockList, allowList *acl.List
	if cfg.Security.BlocklistFile != "" {
		list, lerr := acl.LoadFile(cfg.Security.BlocklistFile)
		if lerr != nil {
			return fmt.Errorf("loading blocklist: %w", lerr)
		}
		blockList = list
	}
	if cfg.Security.AllowlistFile != "" {
		list, lerr := acl.LoadFile(cfg.Security.AllowlistFile)
		if lerr != nil {
			return fmt.Errorf("loading allowlist: %w", lerr)
		}
		allowList = list
	}

	var tlsManager *tlsmgr.Manager
	if cfg.Server.ListenTLS != "" && cfg.TLS.CertFile != "" {
		tlsManager, err = tlsmgr.New(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Server.EnableHTTP2)
		if err != nil {
			return fmt.Errorf("loading TLS context: %w", err)
		}
	}

	chains := make(map[string]rpcclient.Config, len(cfg.RPC))
	for name, rc := range cfg.RPC {
		chains[name] = rpcclient.Config{
			Host:       rc.Host,
			Port:       rc.Port,
			User:       rc.User,
			Password:   rc.Password,
			CookieFile: rc.CookieFile,
			Wallet:     rc.Wallet,
			Timeout:    durationSeconds(rc.TimeoutSec),
			RateLimit:  rc.RateLimitPerSec,
		}
	}

	w := worker.New(worker.Config{
		ID:             flagWorkerID,
		ListenPlain:    cfg.Server.ListenPlain,
		ListenTLS:      cfg.Server.ListenTLS,
		EnableHTTP2:    cfg.Server.EnableHTTP2,
		MaxBufferSize:  cfg.Buffer.MaxBufferSize,
		ReadTimeout:    durationMillis(cfg.Buffer.ReadTimeoutMS),
		LargeThreshold: cfg.Tiers.LargeThreshold,
		HugeThreshold:  cfg.Tiers.HugeThreshold,
		MaxNormal:      cfg.Slots.MaxNormal,
		MaxLarge:       cfg.Slots.MaxLarge,
		MaxHuge:        cfg.Slots.MaxHuge,
		RateLimitRate:  cfg.RateLimit.Rate,
		RateLimitBurst: cfg.RateLimit.Burst,
		BlockList:      blockList,
		AllowList:      allowList,
		TLS:            tlsManager,
		Static:         staticfiles.New(cfg.ACME.ChallengeDir, cfg.Static.Banner),
		RPC:            rpcclient.NewManager(chains),
		Log:            log,
	})
	return w.Run()
}

func durationSeconds(n int) time.Duration { return time.Duration(n) * time.Second }
func durationMillis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
