// Command cdpctl publishes CDP commands and price updates to NATS and reads
// vault state over gRPC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/server"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var logger = observability.NewLogger("cdpctl")

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	natsURL    string
	grpcAddr   string
	source     string
	sequence   int64
	caller     string
	logLevel   string
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	g := &globals{}
	c := &cobra.Command{
		Use:           "cdpctl",
		Short:         "Operator CLI for CDPLedger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := c.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to a TOML config file (default $"+config.EnvConfigPath+")")
	pf.StringVar(&g.natsURL, "nats", "", "NATS URL (overrides config)")
	pf.StringVar(&g.grpcAddr, "grpc", "", "gRPC address (overrides config)")
	pf.StringVar(&g.source, "source", "", "producer id for per-source ordering")
	pf.Int64Var(&g.sequence, "seq", 0, "source sequence number, required with --source")
	pf.StringVar(&g.caller, "caller", "", "caller identity (uuid)")
	pf.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	c.PersistentPreRun = func(*cobra.Command, []string) {
		logger = observability.NewLoggerWithLevel("cdpctl", observability.ParseLogLevel(g.logLevel), nil)
	}

	c.AddCommand(
		initCommand(g),
		depositCommand(g),
		mintCommand(g),
		redeemCommand(g),
		withdrawCommand(g),
		accrueCommand(g),
		liquidateCommand(g),
		priceCommand(g),
		vaultCommand(g),
	)
	return c
}

func initCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the protocol from the [protocol] config table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			admin, err := g.callerID()
			if err != nil {
				return err
			}
			evt, err := cfg.Protocol.InitializeCommand(admin, time.Now().Unix())
			if err != nil {
				return err
			}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, "")
		},
	}
}

func depositCommand(g *globals) *cobra.Command {
	var owner string
	var amount int64
	c := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit collateral into a vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, ownerID, err := g.callerAndOwner(owner)
			if err != nil {
				return err
			}
			evt := &event.DepositCollateral{Caller: caller, Owner: ownerID, Amount: amount}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, ownerID.String())
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "vault owner (default: caller)")
	c.Flags().Int64Var(&amount, "amount", 0, "collateral amount in base units")
	return c
}

func mintCommand(g *globals) *cobra.Command {
	var owner, price string
	var amount, deposit int64
	c := &cobra.Command{
		Use:   "mint",
		Short: "Mint debt against a vault, optionally depositing collateral first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, ownerID, err := g.callerAndOwner(owner)
			if err != nil {
				return err
			}
			p, err := optionalPrice(price)
			if err != nil {
				return err
			}
			evt := &event.MintDebt{Caller: caller, Owner: ownerID, CollateralDeposit: deposit, Amount: amount, Price: p}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, ownerID.String())
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "vault owner (default: caller)")
	c.Flags().Int64Var(&amount, "amount", 0, "debt to mint in base units")
	c.Flags().Int64Var(&deposit, "deposit", 0, "collateral to deposit first")
	c.Flags().StringVar(&price, "price", "", "collateral price (default: oracle)")
	return c
}

func redeemCommand(g *globals) *cobra.Command {
	var owner, price string
	var amount int64
	c := &cobra.Command{
		Use:   "redeem",
		Short: "Burn debt and release collateral",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, ownerID, err := g.callerAndOwner(owner)
			if err != nil {
				return err
			}
			p, err := optionalPrice(price)
			if err != nil {
				return err
			}
			evt := &event.RedeemDebt{Caller: caller, Owner: ownerID, Amount: amount, Price: p}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, ownerID.String())
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "vault owner (default: caller)")
	c.Flags().Int64Var(&amount, "amount", 0, "debt to burn in base units")
	c.Flags().StringVar(&price, "price", "", "collateral price (default: oracle)")
	return c
}

func withdrawCommand(g *globals) *cobra.Command {
	var owner, price string
	var amount int64
	c := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw collateral without repaying debt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, ownerID, err := g.callerAndOwner(owner)
			if err != nil {
				return err
			}
			p, err := optionalPrice(price)
			if err != nil {
				return err
			}
			evt := &event.WithdrawCollateral{Caller: caller, Owner: ownerID, Amount: amount, Price: p}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, ownerID.String())
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "vault owner (default: caller)")
	c.Flags().Int64Var(&amount, "amount", 0, "collateral amount in base units")
	c.Flags().StringVar(&price, "price", "", "collateral price (default: oracle)")
	return c
}

func accrueCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "accrue <owner>",
		Short: "Accrue interest on a vault up to now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("owner: %w", err)
			}
			evt := &event.AccrueInterest{Owner: owner}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, owner.String())
		},
	}
}

func liquidateCommand(g *globals) *cobra.Command {
	var price string
	var debt int64
	c := &cobra.Command{
		Use:   "liquidate <owner>",
		Short: "Liquidate an undercollateralized vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("owner: %w", err)
			}
			liquidator, err := g.callerID()
			if err != nil {
				return err
			}
			p, err := optionalPrice(price)
			if err != nil {
				return err
			}
			evt := &event.LiquidateVault{Liquidator: liquidator, Owner: owner, DebtToCover: debt, Price: p}
			g.stamp(&evt.Meta)
			return g.publishCommand(cmd.Context(), evt, owner.String())
		},
	}
	c.Flags().Int64Var(&debt, "debt", 0, "debt to cover (0 = all)")
	c.Flags().StringVar(&price, "price", "", "collateral price (default: oracle)")
	return c
}

func priceCommand(g *globals) *cobra.Command {
	var sequence int64
	c := &cobra.Command{
		Use:   "price <asset> <price>",
		Short: "Publish an oracle price update",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := fpmath.ParseFixed(args[1])
			if err != nil {
				return fmt.Errorf("price: %w", err)
			}
			now := time.Now()
			if sequence == 0 {
				sequence = now.UnixNano()
			}
			data, err := oracle.EncodePriceUpdate(oracle.PriceUpdate{
				Asset:     args[0],
				Price:     p,
				Sequence:  sequence,
				Timestamp: now.Unix(),
			})
			if err != nil {
				return err
			}
			return g.publish(cmd.Context(), ingestion.PriceSubject(args[0]), data)
		},
	}
	c.Flags().Int64Var(&sequence, "price-seq", 0, "feed sequence (default: current time in ns)")
	return c
}

func vaultCommand(g *globals) *cobra.Command {
	var live bool
	c := &cobra.Command{
		Use:   "vault <owner>",
		Short: "Show a vault and its health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := g.dial()
			if err != nil {
				return err
			}
			defer cc.Close()

			client := server.NewClient(cc)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			vault, err := client.GetVault(ctx, &server.GetVaultRequest{Owner: args[0], Live: live})
			if err != nil {
				return err
			}
			out := map[string]any{"vault": vault}
			if health, err := client.GetVaultHealth(ctx, &server.GetVaultRequest{Owner: args[0], Live: true}); err == nil {
				out["health"] = health
			} else {
				logger.Warn().Err(err).Msg("vault health unavailable")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	c.Flags().BoolVar(&live, "live", true, "read core state instead of projections")
	return c
}

// --- helpers ---

func (g *globals) callerID() (uuid.UUID, error) {
	if g.caller == "" {
		return uuid.Nil, fmt.Errorf("--caller is required")
	}
	id, err := uuid.Parse(g.caller)
	if err != nil {
		return uuid.Nil, fmt.Errorf("caller: %w", err)
	}
	return id, nil
}

func (g *globals) callerAndOwner(owner string) (uuid.UUID, uuid.UUID, error) {
	caller, err := g.callerID()
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if owner == "" {
		return caller, caller, nil
	}
	ownerID, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("owner: %w", err)
	}
	return caller, ownerID, nil
}

func (g *globals) stamp(m *event.Meta) {
	if m.CommandID == uuid.Nil {
		m.CommandID = uuid.New()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	m.Source = g.source
	m.Sequence = g.sequence
}

func optionalPrice(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	p, err := fpmath.ParseFixed(s)
	if err != nil {
		return 0, fmt.Errorf("price: %w", err)
	}
	return p, nil
}

func (g *globals) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.natsURL != "" {
		cfg.NATSURL = g.natsURL
	}
	if g.grpcAddr != "" {
		cfg.GRPCAddr = g.grpcAddr
	}
	return cfg, nil
}

func (g *globals) publishCommand(ctx context.Context, evt event.Event, key string) error {
	data, err := event.Encode(evt)
	if err != nil {
		return err
	}
	if err := g.publish(ctx, ingestion.CommandSubject(evt.EventType(), key), data); err != nil {
		return err
	}
	fmt.Println(evt.IdempotencyKey())
	return nil
}

func (g *globals) publish(ctx context.Context, subject string, data []byte) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	logPublished(subject, ack)
	return nil
}

func logPublished(subject string, ack *jetstream.PubAck) {
	logger.Info().Str("subject", subject).Str("stream", ack.Stream).Uint64("stream_seq", ack.Sequence).Msg("published")
}

func (g *globals) dial() (*grpc.ClientConn, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	target := cfg.GRPCAddr
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
