// Package exchange selects and constructs the venue adapter.
package exchange

import (
	"fmt"
	"strings"
	"volharvester/internal/config"
	"volharvester/internal/core"
	"volharvester/internal/exchange/binance"
	"volharvester/internal/exchange/coinbase"
	"volharvester/internal/exchange/sim"

	"github.com/shopspring/decimal"
)

// New builds the adapter named in the exchange config. The symbol is the one
// the session trades; stream subscriptions and the simulated book are keyed
// on it.
func New(cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	symbol := cfg.App.Symbol

	switch strings.ToLower(cfg.Exchange.Name) {
	case "sim", "":
		simCfg := sim.DefaultConfig()
		simCfg.Symbol = symbol
		simCfg.BaseAsset, simCfg.QuoteAsset = SplitSymbol(symbol)
		simCfg.MakerFeePct = decimal.NewFromFloat(cfg.Exchange.MakerFeePct)
		simCfg.TakerFeePct = decimal.NewFromFloat(cfg.Exchange.TakerFeePct)
		if cfg.Exchange.SimSeed != 0 {
			simCfg.Seed = cfg.Exchange.SimSeed
		}
		if cfg.App.StartingCash > 0 {
			simCfg.Balances = map[string]decimal.Decimal{
				simCfg.QuoteAsset: decimal.NewFromFloat(cfg.App.StartingCash),
				simCfg.BaseAsset:  decimal.Zero,
			}
		}
		return sim.New(simCfg, logger), nil

	case "binance":
		return binance.New(&cfg.Exchange, []string{symbol}, logger), nil

	case "coinbase":
		return coinbase.New(&cfg.Exchange, logger), nil
	}

	return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange.Name)
}

// SplitSymbol derives base and quote assets from a trading symbol. Dashed
// symbols split on the dash; concatenated ones fall back to the common quote
// suffixes.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	for _, suffix := range []string{"USDT", "USDC", "FDUSD", "BUSD", "USD", "EUR", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			return symbol[:len(symbol)-len(suffix)], suffix
		}
	}
	return symbol, ""
}
