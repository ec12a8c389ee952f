// Copyright 2024 The go-equa Authors
// Verity Oracle Node

// Command oraclenode wires together the Chain Client, Store, Scheduler,
// Registry Watcher, Event Filter Pump, Consensus Engine, Validation
// Protocol, Vote Ingress, and Peer Gossip Actor into one running node,
// the way the teacher's cmd/equa-beacon-engine/main.go wires its own
// engine out of an RPC client, a config, and a set of background
// loops. CLI flags and subcommands are built on
// github.com/urfave/cli/v2, the teacher's own CLI framework.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/verity-oracle/oracle-node/chain"
	"github.com/verity-oracle/oracle-node/consensus"
	"github.com/verity-oracle/oracle-node/filterpump"
	"github.com/verity-oracle/oracle-node/gossip"
	"github.com/verity-oracle/oracle-node/ingress"
	"github.com/verity-oracle/oracle-node/internal/oracle"
	"github.com/verity-oracle/oracle-node/registry"
	"github.com/verity-oracle/oracle-node/scheduler"
	"github.com/verity-oracle/oracle-node/store"
	"github.com/verity-oracle/oracle-node/validation"
)

const maxConcurrentJobs = 32

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to a TOML config file"}
	keyFlag    = &cli.StringFlag{Name: "node-key", Usage: "node private key, hex-encoded", EnvVars: []string{"ORACLE_NODE_KEY"}}
	chainIDFlag = &cli.Int64Flag{Name: "chain-id", Usage: "EIP-155 chain id", Value: 1}
)

func main() {
	app := &cli.App{
		Name:  "oraclenode",
		Usage: "decentralized oracle resolver node",
		Commands: []*cli.Command{
			runCommand(),
			statusCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "oraclenode:", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the oracle node",
		Flags: []cli.Flag{configFlag, keyFlag, chainIDFlag},
		Action: func(c *cli.Context) error {
			return runNode(c)
		},
	}
}

func runNode(c *cli.Context) error {
	cfg, err := oracle.LoadTOML(c.String("config"))
	if err != nil {
		return err
	}
	cfg.NodePrivateKeyHex = c.String("node-key")
	if err := cfg.Validate(); err != nil {
		oracle.Fatal("invalid configuration", "error", err)
	}

	setupLogging(cfg)

	lock := flock.New(cfg.DataDir + "/LOCK")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		oracle.Fatal("data directory already in use", "dir", cfg.DataDir)
	}
	defer lock.Unlock()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		oracle.Fatal("failed to open store", "error", err)
	}
	defer st.Close()

	ch, err := chain.New(ctx, cfg.RPCEndpoint, cfg.NodePrivateKeyHex, big.NewInt(c.Int64("chain-id")))
	if err != nil {
		oracle.Fatal("failed to dial chain rpc", "error", err)
	}
	defer ch.Close()

	for _, name := range []string{"VerityEvent", "VerityEventRegistry", "VerityNodeRegistry"} {
		if err := ch.LoadABI(name, cfg.ABIPath(name)); err != nil {
			oracle.Fatal("failed to load contract ABI", "contract", name, "error", err)
		}
	}

	sched := scheduler.New(ctx, maxConcurrentJobs)
	defer sched.Stop()

	val := validation.New(st, ch)
	ce := consensus.New(st, ch, sched, val.SetConsensusRewards)
	pump := filterpump.New(st, ch, sched, val, ch.Address())
	watcher := registry.New(st, ch, pump, cfg.EventRegistryAddress)
	ig := ingress.New(st, ch, sched, ce, ch.Address())
	actor := gossip.New(ch.Address(), ig, 16*1024*1024)

	if err := watcher.Bootstrap(ctx); err != nil {
		oracle.Fatal("registry bootstrap failed", "error", err)
	}

	sched.AddCron(scheduler.CronJob{
		Name:     "registry-drain",
		Interval: cfg.RegistryDrainInterval,
		Run:      watcher.Drain,
	})

	ids, err := st.ListEventIDs()
	if err != nil {
		oracle.Fatal("failed to list known events", "error", err)
	}
	for _, eventID := range ids {
		eventID := eventID
		sched.AddCron(scheduler.CronJob{
			Name:     "filter-drain:" + eventID.Hex(),
			Interval: cfg.FilterDrainInterval,
			Run: func(ctx context.Context) error {
				return pump.Drain(ctx, eventID)
			},
		})
	}

	httpServer := ingress.NewServer(ig, nil, 20, 40)
	go func() {
		if err := serveHTTP(ctx, cfg, httpServer); err != nil {
			log.Error("vote ingress http server stopped", "error", err)
		}
	}()

	go actor.Run(ctx)
	go func() {
		if err := serveGossip(ctx, cfg, actor); err != nil {
			log.Error("gossip server stopped", "error", err)
		}
	}()

	log.Info("oracle node started", "address", ch.Address(), "events", len(ids))
	<-ctx.Done()
	log.Info("oracle node shutting down")
	return nil
}

func setupLogging(cfg *oracle.Config) {
	if cfg.LogFilePath == "" {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
		return
	}
	rotator := &lumberjack.Logger{Filename: cfg.LogFilePath, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(rotator, log.LevelInfo, false)))
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print locally known events and their state",
		Flags: []cli.Flag{&cli.StringFlag{Name: "data-dir", Value: "data"}},
		Action: func(c *cli.Context) error {
			return printStatus(c.String("data-dir"))
		},
	}
}

func printStatus(dataDir string) error {
	st, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.ListEventIDs()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Event", "Name", "State", "Master"})
	for _, id := range ids {
		event, err := st.GetEvent(id)
		if err != nil || event == nil {
			continue
		}
		master := color.RedString("no")
		if event.IsMasterNode {
			master = color.GreenString("yes")
		}
		table.Append([]string{id.Hex(), event.EventName, event.State.String(), master})
	}
	table.Render()
	return nil
}
