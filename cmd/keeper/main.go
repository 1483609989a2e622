// Command keeper watches leveraged tokens and submits rebalances when the
// probe reports a rebalance would succeed.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LevLedger/internal/observability"
	"LevLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	addr        string
	caller      string
	recipient   string
	maxAmount   string
	tokens      []string
	interval    time.Duration
	concurrency int
)

var rootCmd = &cobra.Command{
	Use:           "keeper",
	Short:         "Rebalance leveraged tokens that have drifted out of band",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:9090", "ledger gRPC address")
	rootCmd.Flags().StringVar(&caller, "caller", "", "keeper address paying for rebalances (required)")
	rootCmd.Flags().StringVar(&recipient, "recipient", "", "address receiving output and incentive (default: caller)")
	rootCmd.Flags().StringVar(&maxAmount, "max-amount", "", "cap on amount in per call, base units")
	rootCmd.Flags().StringSliceVar(&tokens, "token", nil, "only rebalance these token ids")
	rootCmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval; 0 runs one round")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 4, "max concurrent submissions")
	_ = rootCmd.MarkFlagRequired("caller")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	k, err := newKeeper()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	k.conn = conn

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval <= 0 {
		_, err := k.round(ctx)
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := k.round(ctx); err != nil {
			k.logger.Warn().Err(err).Int("submitted", n).Msg("round incomplete")
		} else if n > 0 {
			k.logger.Info().Int("submitted", n).Msg("round complete")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newKeeper() (*keeper, error) {
	if !common.IsHexAddress(caller) {
		return nil, fmt.Errorf("invalid --caller %q", caller)
	}
	k := &keeper{
		caller:      common.HexToAddress(caller),
		recipient:   common.HexToAddress(caller),
		concurrency: concurrency,
		logger:      observability.NewLogger("keeper"),
	}
	if recipient != "" {
		if !common.IsHexAddress(recipient) {
			return nil, fmt.Errorf("invalid --recipient %q", recipient)
		}
		k.recipient = common.HexToAddress(recipient)
	}
	if maxAmount != "" {
		v, err := uint256.FromDecimal(maxAmount)
		if err != nil || v.IsZero() {
			return nil, fmt.Errorf("invalid --max-amount %q", maxAmount)
		}
		k.maxAmount = v
	}
	if len(tokens) > 0 {
		k.tokens = make(map[string]bool, len(tokens))
		for _, t := range tokens {
			k.tokens[t] = true
		}
	}
	return k, nil
}
