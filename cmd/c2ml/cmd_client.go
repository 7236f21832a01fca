package main

import (
	"context"
	"time"

	"github.com/sagernet/sing-c2ml/client"
	"github.com/sagernet/sing-c2ml/config"
	"github.com/sagernet/sing-c2ml/congestion"
	"github.com/sagernet/sing-c2ml/log"
	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing-c2ml/transport"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var commandClient = &cobra.Command{
	Use:   "client",
	Short: "Run a client node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		options, logger, err := readConfig()
		if err != nil {
			return err
		}
		defer logger.Close()
		if options.Client == nil {
			return E.New("missing client section in ", configPath)
		}
		ctx, cancel := signalContext()
		defer cancel()
		err = runClient(ctx, options, logger)
		if err != nil {
			logger.Error(err)
		}
		return err
	},
}

func init() {
	mainCommand.AddCommand(commandClient)
}

func runClient(ctx context.Context, options *config.Config, logger *log.Logger) error {
	clientOptions := options.Client
	registry := metrics.NewRegistry()
	var dialer N.Dialer = N.SystemDialer
	if clientOptions.QUIC {
		dialer = transport.NewDialer(N.SystemDialer, clientOptions.TLS.ClientConfig())
	}
	agent, err := client.NewClient(client.Options{
		Context:       ctx,
		Logger:        logger,
		Dialer:        dialer,
		ServerAddress: M.ParseSocksaddr(clientOptions.Server),
		Capacity:      uint64(clientOptions.Capacity),
		AckTimeout:    clientOptions.AckTimeout,
		MaxRetries:    clientOptions.MaxRetries,
		Metrics:       metrics.NewClient(registry),
	})
	if err != nil {
		return err
	}
	defer agent.Close()
	if clientOptions.Flows == 0 {
		logger.Warn("no flows configured, the client stays idle")
	}
	flows := make([]*congestion.Pacer, clientOptions.Flows)
	for i := range flows {
		flows[i] = congestion.NewPacer(0)
		agent.NotifyConnectionOpened(flows[i])
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if options.Metrics.Listen != "" {
		server := metrics.NewServer(metrics.ServerOptions{
			Listen:   options.Metrics.Listen,
			Registry: registry,
			Logger:   logger,
		})
		group.Go(func() error {
			return server.Serve(groupCtx)
		})
	}
	group.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				logger.Debug("state=", agent.State(), " available=", agent.Available(), " node=", agent.NodeState())
				for i, flow := range flows {
					logger.Debug("flow ", i, " paced at ", flow.Bandwidth())
				}
			}
		}
	})
	err = group.Wait()
	for _, flow := range flows {
		agent.NotifyConnectionClosed(flow)
	}
	return E.Errors(err, agent.Close())
}
