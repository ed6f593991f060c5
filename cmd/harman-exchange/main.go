// harman-exchange runs the mock exchange standalone for local development:
// point a "harman" feed connector at it and it emits a looping scripted
// stream of ticker and trade messages.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ssmdio/ssmd/pkg/harman"
	"github.com/ssmdio/ssmd/pkg/logging"
)

func main() {
	addr := flag.String("addr", ":9431", "listen address")
	tickers := flag.String("tickers", "INXD-25001", "comma separated tickers to emit")
	interval := flag.Duration("interval", 250*time.Millisecond, "emission interval")
	flag.Parse()

	if err := run(*addr, *tickers, *interval); err != nil {
		fmt.Fprintf(os.Stderr, "harman-exchange: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, tickerList string, interval time.Duration) error {
	logger := logging.New(true)

	jwtSecret := os.Getenv("HARMAN_JWT_SECRET")
	if jwtSecret == "" {
		return fmt.Errorf("HARMAN_JWT_SECRET is required")
	}
	keyID := os.Getenv("HARMAN_KEY_ID")
	keySecret := os.Getenv("HARMAN_KEY_SECRET")
	if keyID == "" || keySecret == "" {
		return fmt.Errorf("HARMAN_KEY_ID and HARMAN_KEY_SECRET are required")
	}

	var script harman.Script
	script.Interval = interval
	script.Repeat = true
	seq := uint64(1)
	for _, t := range strings.Split(tickerList, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		script.Messages = append(script.Messages,
			harman.ScriptMessage{Type: "ticker", Ticker: t, Price: 0.52, Seq: seq},
			harman.ScriptMessage{Type: "trade", Ticker: t, Price: 0.53, Seq: seq + 1},
		)
		seq += 2
	}

	srv, err := harman.NewServer(jwtSecret, map[string]string{keyID: keySecret}, script, logger)
	if err != nil {
		return err
	}
	bound, err := srv.Start(addr)
	if err != nil {
		return err
	}
	logger.Infof("mock exchange on %s emitting %s every %s", bound, tickerList, interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return srv.Stop()
}
