package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/handd"
	"pkt.systems/handd/client"
	"pkt.systems/handd/internal/clock"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"
	envKey           = "HANDD_KEY"
	envToken         = "HANDD_TOKEN"
)

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running handd server",
	}
	flags := cmd.PersistentFlags()
	flags.String("server", "http://127.0.0.1"+handd.DefaultListen, "handd server base URL")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP request timeout")
	mustBindFlag(clientServerKey, "HANDD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "HANDD_CLIENT_TIMEOUT", flags.Lookup("timeout"))

	cmd.AddCommand(
		newClientReserveCommand(),
		newClientKeepCommand("renew", "KEEP", "Refresh the heartbeat of a held slot"),
		newClientKeepCommand("release", "FREE", "Return a held slot to the pool"),
		newClientHoldCommand(),
		newClientListCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func newCLIClient(cmd *cobra.Command) (*client.Client, error) {
	cmd.SilenceUsage = true
	if _, err := loadConfigFile(); err != nil {
		return nil, err
	}
	password := viper.GetString("password")
	if password == "" {
		return nil, fmt.Errorf("password required (set --password or HANDD_PASSWORD)")
	}
	return client.New(viper.GetString(clientServerKey), password, client.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)))
}

func newClientReserveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve",
		Short: "Reserve any free slot and print its key, urlId and token as shell assignments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			lease, err := cli.Reserve(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeLine(out, "export %s=%s", envKey, shellQuote(lease.Key))
			writeLine(out, "export %s=%s", envToken, shellQuote(lease.Token))
			writeLine(out, "export HANDD_URL_ID=%s", shellQuote(lease.URLID))
			return nil
		},
	}
}

func newClientKeepCommand(use, action, short string) *cobra.Command {
	var key, token string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			key = firstNonEmpty(key, viper.GetString("key"))
			token = firstNonEmpty(token, viper.GetString("token"))
			resp, err := cli.Keep(cmd.Context(), key, token, action)
			if err != nil {
				return err
			}
			if resp.HeartbeatUnixMilli > 0 {
				writeLine(cmd.OutOrStdout(), "%s: %s (heartbeat %s)", resp.Key, resp.Message, clock.FromMillis(resp.HeartbeatUnixMilli).Format(time.RFC3339))
				return nil
			}
			writeLine(cmd.OutOrStdout(), "%s: %s", resp.Key, resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "slot key (or "+envKey+")")
	cmd.Flags().StringVar(&token, "token", "", "lease token (or "+envToken+")")
	return cmd
}

func newClientHoldCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Reserve a slot and keep renewing it until interrupted, then release it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			lease, err := cli.Reserve(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeLine(out, "holding %s (%s)", lease.Key, lease.URLID)
			keeper := cli.KeepAlive(ctx, lease, interval)
			<-keeper.Done()
			if err := keeper.Err(); !errors.Is(err, client.ErrKeeperStopped) {
				return fmt.Errorf("lease on %s lost: %w", lease.Key, err)
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := keeper.Release(releaseCtx); err != nil {
				return err
			}
			writeLine(out, "released %s", lease.Key)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 20*time.Second, "renew interval")
	return cmd
}

func newClientListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List slots through the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			resp, err := cli.Slots(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()
			for _, slot := range resp.Slots {
				state := "free"
				if slot.IsReserved {
					state = "reserved"
				}
				var heartbeat *time.Time
				if slot.HeartbeatUnixMilli != nil {
					ts := clock.FromMillis(*slot.HeartbeatUnixMilli)
					heartbeat = &ts
				}
				writeLine(out, "%-16s %-9s %-16s %s", slot.Key, state, formatAge(now, heartbeat), slot.URLID)
			}
			writeLine(out, "%d of %d slots free", resp.Free, resp.Total)
			return nil
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
