package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"vendo/broker"
	"vendo/catalog"
	"vendo/config"
	"vendo/coordinator"
	"vendo/payment"
	"vendo/sales"
	"vendo/vmc"
)

func main() {
	app := cli.NewApp()
	app.Name = "vendo"
	app.Usage = "Vending machine upper computer"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "Path to the machine configuration file",
			Value: "config.json",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"machine": cfg.MachineID, "terminal": cfg.TerminalID}).
		Info("Starting upper computer")

	// Persistent stores first; a machine that cannot journal sales
	// must not vend
	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalogue.db"))
	if err != nil {
		return err
	}
	defer cat.Close()

	journal, err := sales.Open(filepath.Join(cfg.DataDir, "sales.db"))
	if err != nil {
		return err
	}
	defer journal.Close()

	// Payment client connects lazily on its first request
	pay := payment.NewClient(payment.Config{
		Addr:       cfg.PaymentAddr(),
		TerminalID: cfg.TerminalID,
	})

	link := vmc.New(vmc.Config{
		Device: cfg.SerialPort,
		Baud:   cfg.SerialBaudrate,
	})

	coord := coordinator.New(coordinator.Config{PushInventory: true}, link, pay, cat, journal)
	link.OnEvent(coord.HandleEvent)

	// Control plane, fire-and-forget reconnect
	router := broker.New(broker.Config{
		BrokerAddr: cfg.BrokerAddr(),
		MachineID:  cfg.MachineID,
		ClientID:   "vendo-" + cfg.MachineID,
	}, cat, journal, link)
	if err := router.Start(); err != nil {
		return err
	}

	// Serial link, fire-and-forget reconnect
	ctx, cancel := context.WithCancel(context.Background())
	linkDone := make(chan struct{})
	go func() {
		link.Run(ctx)
		close(linkDone)
	}()

	// Register the terminal in the background; a dead gateway only
	// matters once a card is presented
	go func() {
		initCtx, initCancel := context.WithTimeout(ctx, payment.RequestTimeout)
		defer initCancel()
		if _, err := pay.Initialize(initCtx, cfg.TerminalID); err != nil {
			log.WithError(err).Warn("Terminal INIT failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Infof("Received %s, shutting down", s)

	// Stop taking VMC events and unwind the live transaction
	coord.Shutdown()

	// Close the terminal session before dropping the socket
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pay.Close(closeCtx); err != nil {
		log.WithError(err).Warn("Terminal CLOSE failed")
	}
	closeCancel()

	link.Close()
	cancel()
	<-linkDone

	router.Stop()

	log.Info("Shutdown complete")
	return nil
}
