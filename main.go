package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"binance-market-feed/config"
	"binance-market-feed/internal/logging"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/marketdata"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LoggingConfig)
	log.Info().Bool("testnet", cfg.BinanceConfig.TestNet).Msg("market feed starting")

	symbols := []string{"BTCUSDT", "ETHUSDT"}
	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		symbols = strings.Split(v, ",")
	}

	engine := marketdata.New(cfg)
	defer engine.Close()

	for _, raw := range symbols {
		sym := strings.TrimSpace(raw)
		unsub, err := engine.SubscribePrice(sym, func(r market.Result[market.PriceTick]) {
			if r.Err != nil {
				log.Warn().Str("symbol", sym).Err(r.Err).Msg("price update failed")
				return
			}
			log.Info().
				Str("symbol", r.Data.Symbol).
				Float64("bid", r.Data.Bid).
				Float64("ask", r.Data.Ask).
				Str("source", string(r.Source)).
				Msg("price")
		})
		if err != nil {
			log.Error().Str("symbol", sym).Err(err).Msg("subscribe failed")
			continue
		}
		defer unsub()
	}

	// one-shot read alongside the streams
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if r := engine.Get24hrTicker(ctx, symbols[0]); r.Err == nil {
		log.Info().
			Str("symbol", r.Data.Symbol).
			Float64("last", r.Data.LastPrice).
			Float64("change_pct", r.Data.PriceChangePercent).
			Msg("24h ticker")
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
}
