package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/defiscore/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams score events for one wallet or for all wallets.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to score events",
		ArgsUsage: "[wallet]",
		Description: `Stream credit score events published to NATS JetStream after a run is saved.

Events for a wallet are published to the subject scores.{wallet}. Without a
wallet argument every score event is streamed.

Examples:
  defiscore nats subscribe 0x1111111111111111111111111111111111111111
  defiscore nats subscribe --jq 'select(.credit_score < 300)' --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "defiscore-cli",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only show events for which every jq filter yields a truthy value",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("accepts at most one argument: wallet address")
			}

			subject := natspkg.StreamSubjects
			if c.NArg() == 1 {
				subject = natspkg.Subject(c.Args().First())
			}

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			return streamScores(c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), codes, c.Bool("json"))
		},
	}
}

// streamScores connects to NATS and prints score events until interrupted.
func streamScores(natsURL, subject string, durable bool, consumerName string, codes []*gojq.Code, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for scores... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.ScoreEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			ok, err := matchesJQ(codes, event)
			if err != nil {
				fmt.Fprintf(os.Stderr, "jq filter error: %v\n", err)
				continue
			}
			if !ok {
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
				continue
			}
			fmt.Printf("✅ Score received (#%d)\n", count)
			fmt.Printf("   Wallet: %s\n", event.Wallet)
			fmt.Printf("   Score: %.2f (cluster %d, multiplier %.2f)\n", event.CreditScore, event.Cluster, event.Multiplier)
			fmt.Printf("   Run: %s\n", event.RunID)
			if event.IsLiquidated {
				fmt.Printf("   Liquidated: yes\n")
			}
			fmt.Printf("   Published: %s\n\n", event.PublishedAt.Format(time.RFC3339))

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\nReceived %d score events\n", count)
			}
			return nil
		}
	}
}

// matchesJQ reports whether every filter yields a truthy first value for v.
func matchesJQ(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	generic, err := toGeneric(v)
	if err != nil {
		return false, err
	}
	for _, code := range codes {
		iter := code.Run(generic)
		out, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := out.(error); isErr {
			return false, err
		}
		if !isTruthy(out) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
