// Command pairwire is a minimal client: it creates or joins a pairing
// and prints decrypted messages as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pairwire/pairwire-go/core"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairwire [-config file] create | pair <uri>")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}
	client, err := core.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "create":
		p, err := client.Pairing().Create(ctx)
		if err != nil {
			return err
		}
		fmt.Println("pairing topic:", p.Topic)
		fmt.Println("share this URI:", p.URI)
	case "pair":
		if len(args) < 2 {
			return fmt.Errorf("usage: pairwire pair <uri>")
		}
		p, err := client.Pairing().Pair(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println("paired on topic:", p.Topic)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}

	_, messages := client.Messages().Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			fmt.Printf("[%s] %s\n", msg.Topic, msg.Plaintext)
		}
	}
}
