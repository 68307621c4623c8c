package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/walletrpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	flagAddr     = "addr"
	flagInsecure = "insecure"
	flagTimeout  = "timeout"
	flagAPIKey   = "api-key"
	flagKind     = "kind"
	flagActor    = "actor"
	flagAmount   = "amount"
	flagCategory = "category"
	flagKey      = "idempotency-key"
	flagMetadata = "metadata"
	flagLimit    = "limit"
	envPrefix    = "WALLETCTL"
)

type clientConfig struct {
	Address  string
	Insecure bool
	Timeout  time.Duration
	APIKey   string
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Inspect and top up consultation wallets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagAddr, "localhost:7000", "consultd wallet gRPC address")
	cmd.PersistentFlags().Bool(flagInsecure, true, "connect without TLS")
	cmd.PersistentFlags().Duration(flagTimeout, 5*time.Second, "RPC timeout")
	cmd.PersistentFlags().String(flagAPIKey, "", "wallet API key")

	cmd.AddCommand(
		newBalanceCommand(cfg),
		newPostingCommand(cfg, "credit", "Credit coins to an account", "recharge"),
		newPostingCommand(cfg, "debit", "Debit coins from a consumer account", "order"),
		newEntriesCommand(cfg),
		newHashKeyCommand(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *clientConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range []string{flagAddr, flagInsecure, flagTimeout, flagAPIKey} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	cfg.Address = strings.TrimSpace(v.GetString(flagAddr))
	cfg.Insecure = v.GetBool(flagInsecure)
	cfg.Timeout = v.GetDuration(flagTimeout)
	cfg.APIKey = v.GetString(flagAPIKey)
	if cfg.Address == "" {
		return fmt.Errorf("%s is required", flagAddr)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", flagTimeout)
	}
	return nil
}

func addAccountFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagKind, "consumer", "account kind: consumer, provider or platform")
	cmd.Flags().String(flagActor, "", "actor id")
}

func accountRequest(cmd *cobra.Command) map[string]any {
	kind, _ := cmd.Flags().GetString(flagKind)
	actor, _ := cmd.Flags().GetString(flagActor)
	return map[string]any{"kind": kind, "actor_id": actor}
}

func newBalanceCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, client *walletrpc.Client) (*structpb.Struct, error) {
				return client.GetBalance(ctx, accountRequest(cmd))
			})
		},
	}
	addAccountFlags(cmd)
	return cmd
}

func newPostingCommand(cfg *clientConfig, use string, short string, defaultCategory string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			request := accountRequest(cmd)
			amount, _ := cmd.Flags().GetInt64(flagAmount)
			category, _ := cmd.Flags().GetString(flagCategory)
			key, _ := cmd.Flags().GetString(flagKey)
			metadata, _ := cmd.Flags().GetString(flagMetadata)
			request["amount"] = float64(amount)
			request["category"] = category
			request["idempotency_key"] = key
			request["metadata_json"] = metadata
			return withClient(cmd.Context(), cfg, func(ctx context.Context, client *walletrpc.Client) (*structpb.Struct, error) {
				if use == "debit" {
					return client.Debit(ctx, request)
				}
				return client.Credit(ctx, request)
			})
		},
	}
	addAccountFlags(cmd)
	cmd.Flags().Int64(flagAmount, 0, "amount in coins")
	cmd.Flags().String(flagCategory, defaultCategory, "entry category")
	cmd.Flags().String(flagKey, "", "idempotency key")
	cmd.Flags().String(flagMetadata, "{}", "metadata JSON")
	return cmd
}

func newEntriesCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List the newest ledger entries of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			request := accountRequest(cmd)
			limit, _ := cmd.Flags().GetInt(flagLimit)
			request["limit"] = float64(limit)
			return withClient(cmd.Context(), cfg, func(ctx context.Context, client *walletrpc.Client) (*structpb.Struct, error) {
				return client.ListEntries(ctx, request)
			})
		},
	}
	addAccountFlags(cmd)
	cmd.Flags().Int(flagLimit, 20, "maximum entries to list")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to configure as --wallet-api-key-hash",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			hashed, err := walletrpc.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
}

func withClient(parent context.Context, cfg *clientConfig, call func(ctx context.Context, client *walletrpc.Client) (*structpb.Struct, error)) error {
	transport := grpc.WithTransportCredentials(insecure.NewCredentials())
	if !cfg.Insecure {
		transport = grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))
	}
	conn, err := grpc.NewClient(cfg.Address, transport)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()
	if cfg.APIKey != "" {
		ctx = walletrpc.WithAPIKey(ctx, cfg.APIKey)
	}
	response, err := call(ctx, walletrpc.NewClient(conn))
	if err != nil {
		return err
	}
	rendered, err := protojson.MarshalOptions{Multiline: true}.Marshal(response)
	if err != nil {
		return err
	}
	fmt.Println(string(rendered))
	return nil
}
