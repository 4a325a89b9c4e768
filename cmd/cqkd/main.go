// Command cqkd runs one CQKD process role: a bootstrap seed, a stateless
// quantum worker, or one of the two principals, Alice and Bob. All
// behaviour is configured through environment variables; the subcommand
// only selects the role.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/discovery"
	"github.com/opd-ai/cqkd/protocol"
)

// Default ports per role, applied when DHT_PORT is unset.
const (
	defaultBootstrapPort = 5678
	defaultAlicePort     = 6000
	defaultBobPort       = 6001
	defaultWorkerPort    = 7000
)

// bobHandshakeTimeout bounds how long Bob waits for a session to appear.
const bobHandshakeTimeout = 10 * time.Minute

// publicationTTL is how long a published directory entry stays fresh.
const publicationTTL = time.Hour

func main() {
	root := &cobra.Command{
		Use:           "cqkd",
		Short:         "Collaborative quantum key distribution over a Kademlia DHT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newBootstrapCmd(),
		newWorkerCmd(),
		newAliceCmd(),
		newBobCmd(),
	)

	if err := root.Execute(); err != nil {
		logrus.WithField("error", err.Error()).Error("Process failed")
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ConfigureLogging()
	return cfg, nil
}

// portFor applies the role default when DHT_PORT is not set explicitly.
func portFor(cfg *config.Settings, roleDefault int) int {
	if os.Getenv("DHT_PORT") == "" {
		return roleDefault
	}
	return cfg.DHTPort
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startNode brings a DHT server up and joins it to the network through
// the bootstrap pool.
func startNode(ctx context.Context, cfg *config.Settings, port int) (*dht.Server, *discovery.BootstrapManager, error) {
	server := dht.NewServer(cfg, dht.AllRoles())
	if err := server.Start(port); err != nil {
		return nil, nil, err
	}

	pool := discovery.NewBootstrapManager(ctx, cfg)
	pool.SetHealthChecker(func(ctx context.Context, node *discovery.BootstrapNode) error {
		return server.PingAddress(ctx, node.HostPort(), cfg.BootstrapConnectionTimeout)
	})

	seeds := pool.Healthy()
	if len(seeds) == 0 {
		seeds = pool.All()
	}
	if len(seeds) > 0 {
		if err := server.Bootstrap(ctx, seeds); err != nil {
			server.Stop()
			return nil, nil, err
		}
		for _, seed := range seeds {
			pool.ReportSuccess(seed)
		}
	}
	return server, pool, nil
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run a bootstrap seed node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			server := dht.NewServer(cfg, dht.AllRoles())
			if err := server.Start(portFor(cfg, defaultBootstrapPort)); err != nil {
				return err
			}
			defer server.Stop()

			// Seeds may themselves join other seeds for a multi-seed pool.
			if seeds := cfg.BootstrapNodesList(); len(seeds) > 0 {
				if err := server.Bootstrap(ctx, seeds); err != nil {
					return err
				}
			}

			maintainer := dht.NewMaintainer(ctx, server, nil)
			maintainer.Start()
			defer maintainer.Stop()

			logrus.WithFields(logrus.Fields{
				"node_id": server.ID().String(),
			}).Info("Bootstrap node running")

			<-ctx.Done()
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a stateless quantum worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			server, pool, err := startNode(ctx, cfg, portFor(cfg, defaultWorkerPort))
			if err != nil {
				return err
			}
			defer server.Stop()
			pool.Start()
			defer pool.Stop()

			maintainer := dht.NewMaintainer(ctx, server, nil)
			maintainer.Start()
			defer maintainer.Stop()

			// Publish this worker into the peer directory so coordinators
			// can find it without crawling.
			publisher := discovery.NewPublisher(server)
			if err := publisher.Publish(ctx, server.SelfInfo(), publicationTTL); err != nil {
				logrus.WithField("error", err.Error()).Warn("Initial publication failed")
			}

			executor := protocol.NewExecutor(server, server.Lease(), server.ID())
			if err := executor.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newAliceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alice",
		Short: "Run the initiator and generate a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			server, pool, err := startNode(ctx, cfg, portFor(cfg, defaultAlicePort))
			if err != nil {
				return err
			}
			defer server.Stop()
			pool.Start()
			defer pool.Stop()

			cache := discovery.NewNodeCache(cfg.CacheMaxSize, cfg.CacheTTL, cfg.CacheRefreshInterval)
			strategy := discovery.NewSmartStrategy(server, cfg, cache)

			health := discovery.NewHealthCheckManager(ctx, server, cache, cfg)
			health.Start()
			defer health.Stop()

			alice := protocol.NewAlice(server, strategy, cfg, server.ID())
			key, err := alice.GenerateKey(ctx, cfg.KeyLengthBits)
			if err != nil {
				return err
			}

			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

func newBobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bob",
		Short: "Run the receiver and derive the shared key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			server, pool, err := startNode(ctx, cfg, portFor(cfg, defaultBobPort))
			if err != nil {
				return err
			}
			defer server.Stop()
			pool.Start()
			defer pool.Stop()

			bob := protocol.NewBob(server, cfg, server.ID())
			key, err := bob.Run(ctx, bobHandshakeTimeout)
			if err != nil {
				return err
			}

			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}
