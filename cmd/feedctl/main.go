// feedctl is the operator CLI for the market feed engine: one-shot market
// reads, live stream watching and engine diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"binance-market-feed/config"
	"binance-market-feed/internal/logging"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/marketdata"
)

var (
	cfgPath string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "feedctl",
		Short: "Binance futures market data feed control",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Setup(cfg.LoggingConfig)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: config.yaml)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(priceCmd(), depthCmd(), tradesCmd(), klinesCmd(),
		tickerCmd(), fundingCmd(), watchCmd(), statusCmd(), sampleConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFile(cfgPath)
	}
	return config.Load()
}

func withEngine(fn func(ctx context.Context, eng *marketdata.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng := marketdata.New(cfg)
	defer eng.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, eng)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price <symbol>",
		Short: "Best bid/ask for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.GetPrice(ctx, args[0])
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
}

func depthCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "depth <symbol>",
		Short: "Order book snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.GetOrderBook(ctx, args[0], limit)
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "depth levels per side")
	return cmd
}

func tradesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades <symbol>",
		Short: "Recent trades, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.GetRecentTrades(ctx, args[0], limit)
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max trades")
	return cmd
}

func klinesCmd() *cobra.Command {
	var interval string
	var limit int
	cmd := &cobra.Command{
		Use:   "klines <symbol>",
		Short: "Candlesticks, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.GetKlines(ctx, args[0], interval, limit)
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "1m", "kline interval")
	cmd.Flags().IntVar(&limit, "limit", 20, "max candles")
	return cmd
}

func tickerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ticker <symbol>",
		Short: "24h rolling statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.Get24hrTicker(ctx, args[0])
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
}

func fundingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funding <symbol>",
		Short: "Current funding rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				r := eng.GetFundingRate(ctx, args[0])
				if r.Err != nil {
					return r.Err
				}
				return printJSON(r.Data)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <symbol>",
		Short: "Stream live price updates until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng := marketdata.New(cfg)
			defer eng.Close()

			unsub, err := eng.SubscribePrice(args[0], func(r market.Result[market.PriceTick]) {
				if r.Err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", r.Err)
					return
				}
				fmt.Printf("%s  %s  bid=%.8g ask=%.8g  [%s]\n",
					r.Timestamp.Format(time.RFC3339),
					r.Data.Symbol, r.Data.Bid, r.Data.Ask, r.Source)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "push unavailable, polling: %v\n", err)
			}
			if unsub != nil {
				defer unsub()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Engine diagnostics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *marketdata.Service) error {
				if err := eng.Gateway().Ping(ctx); err != nil {
					return err
				}
				return printJSON(eng.Status())
			})
		},
	}
}

func sampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config <path>",
		Short: "Write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.GenerateSampleConfig(args[0])
		},
	}
}
