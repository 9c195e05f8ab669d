// Command sigedemtx_cli is an interactive shell around an in-process
// transaction coordinator. It exists to exercise the coordinator by hand:
// begin transactions, add operations, watch locks conflict, commit and roll
// back, and inspect coordinator state.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sigedem/txcoord/core/txn"
	"github.com/sigedem/txcoord/pkg/config"
	"github.com/sigedem/txcoord/pkg/logger"
	"github.com/sigedem/txcoord/pkg/telemetry"
	"github.com/sigedem/txcoord/pkg/tlsutil"
)

const helpText = `Commands:
  begin <user>                               start a transaction
  add <txn> <kind> <entity> <entityID> [json]  add an operation (kind: create|update|delete|read)
  commit <txn>                               commit the transaction
  rollback <txn>                             roll the transaction back
  status <txn>                               show one transaction
  list                                       show all active transactions
  stats                                      show coordinator counters
  help                                       this text
  exit                                       quit`

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer telShutdown(context.Background())

	transport, err := buildTransport(cfg, zlog)
	if err != nil {
		log.Fatalf("init transport: %v", err)
	}

	versions := txn.NewMemoryVersions()
	coord, err := txn.NewCoordinator(txn.Config{
		DefaultTimeout:   cfg.Coordinator.DefaultTimeout,
		LockTimeout:      cfg.Coordinator.LockTimeout,
		LockTTL:          cfg.Coordinator.LockTTL,
		DeadlockInterval: cfg.Coordinator.DeadlockInterval,
		MaxRetries:       cfg.Coordinator.MaxRetries,
		EnableTwoPhase:   cfg.Coordinator.EnableTwoPhase,
	}, txn.Dependencies{
		Logger:    zlog,
		Meter:     tel.Meter,
		Applier:   txn.NewMemoryApplier(versions, zlog),
		Versions:  versions,
		Analytics: txn.NewLogAnalytics(zlog, 50),
		Mirror:    txn.NewExpireMirror(cfg.Coordinator.DefaultTimeout/4, cfg.Coordinator.DefaultTimeout),
		Transport: transport,
	})
	if err != nil {
		log.Fatalf("init coordinator: %v", err)
	}
	defer coord.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "sigedem-tx> ",
		HistoryFile: os.TempDir() + "/sigedemtx_history",
	})
	if err != nil {
		log.Fatalf("init readline: %v", err)
	}
	defer rl.Close()

	fmt.Println("SIGEDEM transaction coordinator shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if quit := dispatch(coord, strings.Fields(strings.TrimSpace(line))); quit {
			return
		}
	}
}

func buildTransport(cfg *config.Config, zlog *zap.Logger) (txn.ParticipantTransport, error) {
	switch cfg.Transport.Mode {
	case "", "loopback":
		return txn.NewLoopbackTransport(zlog), nil
	case "tcp":
		return txn.NewTCPTransport(cfg.Transport.Participants, cfg.Coordinator.LockTimeout, zlog), nil
	case "http3":
		tlsConf, err := transportTLS(cfg)
		if err != nil {
			return nil, err
		}
		return txn.NewHTTP3Transport(txn.HTTP3TransportConfig{
			Endpoints: cfg.Transport.Participants,
			TLS:       tlsConf,
		}, zlog)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}

func transportTLS(cfg *config.Config) (*tls.Config, error) {
	t := cfg.Transport
	if t.CACert == "" || t.ClientCert == "" || t.ClientKey == "" {
		return nil, fmt.Errorf("http3 transport requires ca_cert, client_cert and client_key")
	}
	return tlsutil.LoadClientTLSConfig(t.CACert, t.ClientCert, t.ClientKey)
}

func dispatch(coord *txn.Coordinator, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	ctx := context.Background()

	switch args[0] {
	case "exit", "quit":
		return true
	case "help":
		fmt.Println(helpText)

	case "begin":
		if len(args) < 2 {
			fmt.Println("usage: begin <user>")
			return false
		}
		id, err := coord.Begin(ctx, args[1], "cli", nil)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(id)

	case "add":
		if len(args) < 5 {
			fmt.Println("usage: add <txn> <kind> <entity> <entityID> [json]")
			return false
		}
		op := txn.Operation{
			Kind:     txn.OperationKind(args[2]),
			Entity:   txn.EntityType(args[3]),
			EntityID: args[4],
		}
		if len(args) > 5 {
			var after txn.Image
			if err := json.Unmarshal([]byte(strings.Join(args[5:], " ")), &after); err != nil {
				fmt.Printf("bad json: %v\n", err)
				return false
			}
			op.After = after
		}
		if err := coord.AddOperation(ctx, args[1], op); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println("ok")

	case "commit":
		if len(args) < 2 {
			fmt.Println("usage: commit <txn>")
			return false
		}
		res, err := coord.Commit(ctx, args[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printJSON(res)

	case "rollback":
		if len(args) < 2 {
			fmt.Println("usage: rollback <txn>")
			return false
		}
		res, err := coord.Rollback(ctx, args[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printJSON(res)

	case "status":
		if len(args) < 2 {
			fmt.Println("usage: status <txn>")
			return false
		}
		status, err := coord.Status(args[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printJSON(status)

	case "list":
		for _, status := range coord.ActiveTransactions() {
			fmt.Printf("%s  %-10s ops=%d user=%s\n",
				status.ID, status.State, status.OperationCount, status.UserID)
		}

	case "stats":
		printJSON(coord.Stats())

	default:
		fmt.Printf("unknown command %q, try 'help'\n", args[0])
	}
	return false
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
