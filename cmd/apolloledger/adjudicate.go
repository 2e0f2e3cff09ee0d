package main

import (
	"ApolloLedger/internal/adjudication"
	"ApolloLedger/internal/config"
	"ApolloLedger/internal/evidence"
	"ApolloLedger/internal/ingestion"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/server"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func adjudicateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "adjudicate",
		Short: "Decide submitted claims automatically as the protocol authority",
		Long: "Consumes committed ClaimSubmitted events, runs the evidence and fast-claim " +
			"threshold rules and approves or denies over gRPC. Claims no rule decides stay " +
			"pending for manual review.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			log := newLogger(cfg, "adjudicator")

			authority, err := cfg.AuthorityID()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
			go serveMetrics(ctx, cfg.MetricsAddr, make(chan error, 1))

			var chain adjudication.Chain
			if cfg.Evidence.Bucket != "" {
				store, err := evidence.NewS3Store(ctx, evidence.S3Config{
					Region:     cfg.Evidence.Region,
					Bucket:     cfg.Evidence.Bucket,
					Endpoint:   cfg.Evidence.Endpoint,
					PresignTTL: cfg.Evidence.PresignTTL,
				}, metrics)
				if err != nil {
					return fmt.Errorf("evidence store: %w", err)
				}
				chain = append(chain, adjudication.EvidenceDecider{Store: store, Require: cfg.Adjudicator.RequireEvidence})
			}
			chain = append(chain, adjudication.ThresholdDecider{Max: cfg.Adjudicator.FastClaimThreshold})

			conn, err := server.Dial(cfg.Adjudicator.Target)
			if err != nil {
				return fmt.Errorf("dial ledger: %w", err)
			}
			defer conn.Close()

			nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, newLogger(cfg, "nats"))
			if err != nil {
				return err
			}
			defer nc.Close()
			if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
				return err
			}

			worker := adjudication.NewWorker(server.NewClient(conn), chain, authority, metrics, log)
			if err := worker.Start(ctx, js); err != nil {
				return err
			}
			defer worker.Stop()

			<-ctx.Done()
			log.Info().Msg("adjudicator shutting down")
			return nil
		},
	}
}
