// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// mercuryd is the trading daemon: it opens the configured currency wallets,
// loads the persistent swap collection, connects to the order-matching
// service, and settles matched trades with the atomic swap protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mappum/mercury/coin"
	"github.com/mappum/mercury/market"
	"github.com/mappum/mercury/swapdb"
)

const appVersion = "0.2.0"

func main() {
	os.Exit(mainCore())
}

func mainCore() int {
	cfg, err := configure()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVer {
		fmt.Printf("mercuryd version %s (go registered coins: %s)\n",
			appVersion, strings.Join(coin.Registered(), ", "))
		return 0
	}

	lm, closeLogger := initLogging(cfg.LogPath, cfg.DebugLevel, cfg.Stdout, !cfg.LocalLogs)
	defer closeLogger()
	log := lm.NewLogger("MAIN")
	log.Infof("mercuryd version %s", appVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("shutting down")
		cancel()
	}()

	wallets := make(map[string]coin.Wallet, len(cfg.Coins))
	for _, id := range cfg.Coins {
		id = strings.ToLower(id)
		w, err := coin.Open(&coin.Config{
			ID:        id,
			DataDir:   filepath.Join(cfg.AppData, id),
			ConfDepth: cfg.ConfDepth,
			Logger:    lm.NewLogger(strings.ToUpper(id)),
		})
		if err != nil {
			log.Errorf("cannot open %s wallet: %v", id, err)
			return 1
		}
		wallets[id] = w
	}

	swaps, err := swapdb.New(cfg.swapsPath(), lm.NewLogger("DB"))
	if err != nil {
		log.Errorf("cannot load swap collection: %v", err)
		return 1
	}
	go swaps.Run(ctx)

	var certPEM []byte
	if cfg.ServerCert != "" {
		certPEM, err = os.ReadFile(cfg.ServerCert)
		if err != nil {
			log.Errorf("cannot read server certificate: %v", err)
			return 1
		}
	}

	client, err := market.New(&market.Config{
		Host:    cfg.Host,
		CertPEM: certPEM,
		Fee:     cfg.Fee,
		Wallets: wallets,
		Swaps:   swaps,
		Logger:  lm.NewLogger("MKT"),
	})
	if err != nil {
		log.Errorf("cannot create trade client: %v", err)
		return 1
	}
	client.Run(ctx)
	return 0
}
