package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wpp-relay/internal/config"
	"github.com/matheus3301/wpp-relay/internal/lock"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default $RELAY_CONFIG or ~/.wpp-relay/config.toml)")
	urlFlag := flag.String("url", "", "relay HTTP base URL (default derived from http.addr)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	path := config.ResolvePath(*configFlag)
	if args[0] == "init" {
		cmdInit(path, len(args) > 1 && args[1] == "--force")
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config %s: %v", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := newAPIClient(baseURL(*urlFlag, cfg.HTTP.Addr))
	switch args[0] {
	case "status":
		cmdStatus(ctx, cfg, *jsonFlag)
	case "conversations":
		if len(args) < 2 {
			fatalf("usage: relayctl conversations <account> [archived]")
		}
		cmdConversations(ctx, api, args[1], len(args) > 2 && args[2] == "archived", *jsonFlag)
	case "send":
		if len(args) < 4 {
			fatalf("usage: relayctl send <account> <to> <text>")
		}
		cmdSend(ctx, api, args[1], args[2], args[3], *jsonFlag)
	case "reconcile":
		if len(args) < 2 {
			fatalf("usage: relayctl reconcile <account>")
		}
		cmdReconcile(ctx, api, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--config <path>] [--url <base>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init [--force]                   Write a default config file")
	fmt.Fprintln(os.Stderr, "  status                           Show daemon health")
	fmt.Fprintln(os.Stderr, "  conversations <account> [archived] List conversations")
	fmt.Fprintln(os.Stderr, "  send <account> <to> <text>       Send a text message")
	fmt.Fprintln(os.Stderr, "  reconcile <account>              Merge anonymized conversations")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdInit(path string, force bool) {
	if _, err := os.Stat(path); err == nil && !force {
		fatalf("%s already exists (use init --force to overwrite)", path)
	}
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{{ID: "main", Instance: "main", Name: "Main"}}
	if err := config.Save(path, cfg); err != nil {
		fatalf("write config: %v", err)
	}
	fmt.Printf("Wrote %s\n", path)
}

type statusOutput struct {
	DataDir string `json:"dataDir"`
	PID     int    `json:"pid,omitempty"`
	Status  string `json:"status"`
}

func cmdStatus(ctx context.Context, cfg *config.Config, jsonOut bool) {
	out := statusOutput{DataDir: cfg.DataDir, Status: "STOPPED"}
	out.PID, _ = lock.Holder(cfg.DataDir)

	conn, err := grpc.NewClient(
		"unix://"+cfg.SocketPath(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fatalf("dial daemon: %v", err)
	}
	defer func() { _ = conn.Close() }()

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err == nil {
		out.Status = resp.GetStatus().String()
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Data dir: %s\n", out.DataDir)
	if out.PID > 0 {
		fmt.Printf("PID:      %d\n", out.PID)
	}
	fmt.Printf("Status:   %s\n", out.Status)
}

func cmdConversations(ctx context.Context, api *apiClient, account string, archived, jsonOut bool) {
	convs, err := api.conversations(ctx, account, archived)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations found.")
		return
	}
	for _, c := range convs {
		name := c.ContactName
		if name == "" {
			name = c.Address
		}
		pin := " "
		if c.Pinned {
			pin = "*"
		}
		fmt.Printf("%s %-36s %-28s %3d  %s\n", pin, c.ID, name, c.UnreadCount, c.LastMessageText)
	}
}

func cmdSend(ctx context.Context, api *apiClient, account, to, text string, jsonOut bool) {
	msg, err := api.send(ctx, account, to, text)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent %s (%s)\n", msg.GatewayID, msg.Status)
}

func cmdReconcile(ctx context.Context, api *apiClient, account string, jsonOut bool) {
	res, err := api.reconcile(ctx, account)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(res)
		return
	}
	fmt.Printf("Mappings: %d\nMerged:   %d\nMoved:    %d\n", res.Mappings, res.Merged, res.MovedMessages)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
