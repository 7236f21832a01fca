package main

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/sagernet/sing-c2ml/aqm"
	"github.com/sagernet/sing-c2ml/config"
	"github.com/sagernet/sing-c2ml/gateway"
	"github.com/sagernet/sing-c2ml/log"
	"github.com/sagernet/sing-c2ml/metrics"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const statsInterval = 10 * time.Second

var commandGateway = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		options, logger, err := readConfig()
		if err != nil {
			return err
		}
		defer logger.Close()
		if options.Gateway == nil {
			return E.New("missing gateway section in ", configPath)
		}
		ctx, cancel := signalContext()
		defer cancel()
		err = runGateway(ctx, options, logger)
		if err != nil {
			logger.Error(err)
		}
		return err
	},
}

func init() {
	mainCommand.AddCommand(commandGateway)
}

func newGatewayAQM(options config.AQMConfig, registry prometheus.Registerer, logger logger.Logger) (*gateway.AQM, error) {
	aqmMetrics := metrics.NewAQM(registry)
	queues := &gateway.AQM{
		Tx: aqm.NewTxQueue(aqm.TxQueueOptions{
			Limit:      options.QueueLimit,
			InitialRTT: options.InitialRTT,
			Logger:     logger,
			Metrics:    aqmMetrics,
		}),
		Rx: aqm.NewRxQueue(aqm.RxQueueOptions{
			Limit:   options.QueueLimit,
			Metrics: aqmMetrics,
		}),
	}
	if options.Address != "" {
		address, err := netip.ParseAddr(options.Address)
		if err != nil {
			queues.Tx.Close()
			return nil, E.Cause(err, "parse aqm address")
		}
		queues.LocalAddress = address
	}
	return queues, nil
}

func runGateway(ctx context.Context, options *config.Config, logger *log.Logger) error {
	gatewayOptions := options.Gateway
	registry := metrics.NewRegistry()
	var queues *gateway.AQM
	if gatewayOptions.AQM.Enabled {
		var err error
		queues, err = newGatewayAQM(gatewayOptions.AQM, registry, logger)
		if err != nil {
			return err
		}
		defer queues.Tx.Close()
	}
	service, err := gateway.NewService(gateway.ServiceOptions{
		Context:        ctx,
		Logger:         logger,
		Mode:           gatewayOptions.Mode,
		TotalBandwidth: uint64(gatewayOptions.TotalBandwidth),
		NotifyDelay:    gatewayOptions.NotifyDelay,
		AQM:            queues,
		Metrics:        metrics.NewGateway(registry),
	})
	if err != nil {
		return err
	}
	defer service.Close()
	if gatewayOptions.Listen != "" {
		listener, err := net.Listen("tcp", gatewayOptions.Listen)
		if err != nil {
			return E.Cause(err, "listen ", gatewayOptions.Listen)
		}
		err = service.Start(listener)
		if err != nil {
			listener.Close()
			return err
		}
	}
	if gatewayOptions.QUICListen != "" {
		tlsConfig, err := gatewayOptions.TLS.ServerConfig()
		if err != nil {
			return err
		}
		packetConn, err := net.ListenPacket("udp", gatewayOptions.QUICListen)
		if err != nil {
			return E.Cause(err, "listen ", gatewayOptions.QUICListen)
		}
		err = service.StartQUIC(packetConn, tlsConfig)
		if err != nil {
			packetConn.Close()
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if options.Metrics.Listen != "" {
		server := metrics.NewServer(metrics.ServerOptions{
			Listen:      options.Metrics.Listen,
			Registry:    registry,
			Logger:      logger,
			HealthCheck: service.HealthCheck,
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
				reportGateway(logger, service, queues)
			}
		}
	})
	err = group.Wait()
	logger.Info("gateway shutting down")
	return E.Errors(err, service.Close())
}

func reportGateway(logger logger.Logger, service *gateway.Service, queues *gateway.AQM) {
	for _, session := range service.Sessions() {
		logger.Debug("session ", session.ID, " ", session.RemoteAddr, " connected=", session.Connected, " bandwidth=", session.Bandwidth, " state=", session.State)
	}
	if queues != nil {
		stats := queues.Tx.Stats()
		logger.Debug("aqm: sources=", stats.Sources, " threshold=", stats.GoodBandwidth, " admitted=", stats.Admitted, " dropped=", stats.Dropped, " rejected=", stats.Rejected, " evicted=", stats.Evicted)
	}
}
