package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
)

var (
	version    = "None"
	configPath string
)

func loadConfig() *config.Config {
	if configPath == "" {
		return config.NewDefaultConfig()
	}
	cfg, err := config.FromFile(configPath)
	if err != nil {
		log.Fatal("load config failed", zap.String("path", configPath), zap.Error(err))
	}
	return cfg
}

func openManager(cfg *config.Config) (*transaction.Manager, error) {
	engine, err := storage.NewBadgerEngine(cfg.DBPath, cfg.SyncOnCommit)
	if err != nil {
		return nil, err
	}
	return transaction.NewManager(cfg, engine)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tinytxn", version)
		},
	}
}

// newRecoverCommand replays the log against the store and exits. NewManager
// runs the same recovery; this command exists to inspect a store offline.
func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the write-ahead log and report the outcome",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			mgr, err := openManager(cfg)
			if err != nil {
				log.Fatal("recovery failed", zap.Error(err))
			}
			status := mgr.WALStatus()
			fmt.Printf("recovered, current LSN %d, durable LSN %d, checkpoint LSN %d\n",
				status.CurrentLSN, status.DurableLSN, status.CheckpointLSN)
			if err := mgr.Close(); err != nil {
				log.Fatal("close failed", zap.Error(err))
			}
		},
	}
}

func newStressCommand() *cobra.Command {
	var (
		workers  int
		duration time.Duration
		keySpace int
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent read/write transactions against the store",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			mgr, err := openManager(cfg)
			if err != nil {
				log.Fatal("open failed", zap.Error(err))
			}
			defer mgr.Close()

			commits, aborts := atomic.NewUint64(0), atomic.NewUint64(0)
			deadline := time.Now().Add(duration)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for time.Now().Before(deadline) {
						if err := runOne(mgr, rng, keySpace); err != nil {
							aborts.Inc()
						} else {
							commits.Inc()
						}
					}
				}(int64(i))
			}
			wg.Wait()
			stats := mgr.MVCCStatus()
			fmt.Printf("commits %d, aborts %d, keys %d, versions %d\n",
				commits.Load(), aborts.Load(), stats.Keys, stats.Versions)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent workers")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run")
	cmd.Flags().IntVar(&keySpace, "keys", 1024, "distinct keys")
	return cmd
}

func runOne(mgr *transaction.Manager, rng *rand.Rand, keySpace int) error {
	txn, err := mgr.Begin(transaction.Serializable, false)
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		key := []byte(fmt.Sprintf("key-%d", rng.Intn(keySpace)))
		if rng.Intn(2) == 0 {
			if _, _, err := mgr.Get(txn, key); err != nil {
				mgr.Abort(txn)
				return err
			}
			continue
		}
		if err := mgr.Put(txn, key, []byte(fmt.Sprintf("val-%d", rng.Int63()))); err != nil {
			mgr.Abort(txn)
			return err
		}
	}
	return mgr.Commit(txn)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinytxn",
		Short: "A transactional key-value store core",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.AddCommand(
		newVersionCommand(),
		newRecoverCommand(),
		newStressCommand(),
	)
	cobra.EnablePrefixMatching = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}
