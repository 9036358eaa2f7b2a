package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shirokane/kadnet/internal/api"
	"github.com/shirokane/kadnet/internal/config"
	"github.com/shirokane/kadnet/internal/dht"
	"github.com/shirokane/kadnet/internal/logging"
	"github.com/shirokane/kadnet/internal/rpcudp"
	"github.com/shirokane/kadnet/internal/sqlstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a DHT node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, level, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		File:     cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, err := loadOrCreateIdentity(log, cfg.IdentityFile)
	if err != nil {
		return err
	}

	listenAddr, err := net.ResolveUDPAddr("udp", cfg.Network.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	publicIP := listenAddr.IP
	if cfg.Network.PublicIP != "" {
		publicIP = net.ParseIP(cfg.Network.PublicIP)
		if publicIP == nil {
			return fmt.Errorf("invalid network.public_ip %q", cfg.Network.PublicIP)
		}
	}
	self := identity.Peer(publicIP, listenAddr.Port)

	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	transport, err := rpcudp.New(log.Named("rpc"), self, cfg.Network.RequestTimeout)
	if err != nil {
		return err
	}
	table := dht.NewTable(self.ID, cfg.DHT.KSize, cfg.DHT.RefreshInterval)
	node := dht.NewNode(log.Named("dht"), identity, self, table, storage, transport, dht.NodeOptions{
		KSize:           cfg.DHT.KSize,
		Alpha:           cfg.DHT.Alpha,
		RefreshInterval: cfg.DHT.RefreshInterval,
		BootstrapPeers:  cfg.Network.BootstrapPeers,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	node.Protocol().SetMetrics(dht.NewMetrics(registry))

	if err := transport.Listen(cfg.Network.ListenAddr, node.Protocol()); err != nil {
		return err
	}
	node.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(log.Named("api"), node, registry, cfg.API.ListenAddr)
		apiServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfgFile != "" {
		err := config.Watch(ctx, log, cfgFile, func(next *config.Config) {
			if next.Log.Level != "" {
				if parsed, err := zap.ParseAtomicLevel(next.Log.Level); err == nil {
					level.SetLevel(parsed.Level())
				}
			}
		})
		if err != nil {
			log.Warn("config watcher unavailable", zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	node.Stop()
	return transport.Close()
}

func loadOrCreateIdentity(log *zap.Logger, path string) (*dht.Identity, error) {
	if path == "" {
		log.Warn("no identity_file configured, using an ephemeral identity")
		return dht.NewIdentity()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		identity, err := dht.NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := dht.SaveIdentity(identity, path); err != nil {
			return nil, err
		}
		log.Info("generated new identity", zap.String("id", identity.ID().String()), zap.String("path", path))
		return identity, nil
	}
	return dht.LoadIdentity(path)
}

func openStorage(cfg *config.Config) (dht.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := sqlstore.Open(cfg.Storage.Path, cfg.DHT.RecordTTL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return dht.NewMemoryStorage(cfg.DHT.RecordTTL), func() {}, nil
	}
}
