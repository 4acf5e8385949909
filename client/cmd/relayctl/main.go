// Command relayctl is a command-line client for the relay server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/obsidianstack/relay/client"
	"github.com/obsidianstack/relay/client/internal/stats"
	"github.com/obsidianstack/relay/pkg/types"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	app := &cli.Command{
		Name:  "relayctl",
		Usage: "Subscribe, publish and inspect a relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key sent to the server",
				Sources: cli.EnvVars("RELAY_API_KEY"),
			},
			&cli.StringFlag{
				Name:  "header",
				Usage: "header (or gRPC metadata key) carrying the API key",
				Value: "x-api-key",
			},
		},
		Commands: []*cli.Command{subCmd(), pubCmd(), replayCmd(), statsCmd()},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func wsURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "url",
		Usage:   "WebSocket endpoint",
		Sources: cli.EnvVars("RELAY_URL"),
		Value:   "ws://localhost:8080/ws",
	}
}

func dialWS(ctx context.Context, c *cli.Command) (*client.Client, error) {
	framing, err := types.ParseFraming(c.String("framing"))
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Dial(dialCtx, c.String("url"), client.Options{
		APIKey:  c.String("api-key"),
		Header:  c.String("header"),
		Framing: framing,
	})
}

func framingFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "framing",
		Usage: "wire framing: json or msgpack",
		Value: "json",
	}
}

func subCmd() *cli.Command {
	return &cli.Command{
		Name:      "sub",
		Usage:     "Subscribe to topics and print events as JSON lines",
		ArgsUsage: "<topic> [topic...]",
		Flags: []cli.Flag{
			wsURLFlag(),
			framingFlag(),
			&cli.UintFlag{
				Name:  "from",
				Usage: "replay buffered messages from this sequence first (0 = live only)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			topics := c.Args().Slice()
			if len(topics) == 0 {
				return fmt.Errorf("sub: at least one topic required")
			}
			cl, err := dialWS(ctx, c)
			if err != nil {
				return err
			}
			defer cl.Close()

			for _, t := range topics {
				if from := c.Uint("from"); from > 0 {
					err = cl.SubscribeFrom(ctx, t, from)
				} else {
					err = cl.Subscribe(ctx, t)
				}
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", t, err)
				}
			}

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-cl.Messages():
					if !ok {
						return nil
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
			}
		},
	}
}

func pubCmd() *cli.Command {
	return &cli.Command{
		Name:      "pub",
		Usage:     "Publish a payload to a topic",
		ArgsUsage: "<topic> [payload]",
		Description: `Publishes one message and prints the assigned sequence number.
The payload is read from stdin when not given as an argument.`,
		Flags: []cli.Flag{wsURLFlag(), framingFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			topic := c.Args().Get(0)
			if topic == "" {
				return fmt.Errorf("pub: topic required")
			}
			var payload []byte
			if c.Args().Len() > 1 {
				payload = []byte(strings.Join(c.Args().Slice()[1:], " "))
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				payload = data
			}

			cl, err := dialWS(ctx, c)
			if err != nil {
				return err
			}
			defer cl.Close()

			seq, err := cl.Publish(ctx, topic, payload)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d\n", topic, seq)
			return nil
		},
	}
}

func replayCmd() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Fetch buffered messages of a topic over gRPC",
		ArgsUsage: "<topic>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "gRPC address",
				Sources: cli.EnvVars("RELAY_GRPC_ADDR"),
				Value:   "localhost:50051",
			},
			&cli.UintFlag{Name: "from", Usage: "first sequence number", Value: 1},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			topic := c.Args().First()
			if topic == "" {
				return fmt.Errorf("replay: topic required")
			}
			conn, err := grpc.Dial(c.String("addr"), grpc.WithTransportCredentials(insecure.NewCredentials())) //nolint:staticcheck
			if err != nil {
				return fmt.Errorf("dial %s: %w", c.String("addr"), err)
			}
			defer conn.Close()

			if key := c.String("api-key"); key != "" {
				ctx = metadata.AppendToOutgoingContext(ctx, c.String("header"), key)
			}
			resp, err := types.NewRelayClient(conn).Replay(ctx, &types.ReplayRequest{Topic: topic, FromSeq: c.Uint("from")})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, m := range resp.Messages {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Summarize the server's Prometheus metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "metrics-url",
				Usage:   "metrics endpoint",
				Sources: cli.EnvVars("RELAY_METRICS_URL"),
				Value:   "http://localhost:8080/metrics",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := stats.New(c.String("metrics-url"), c.String("header"), c.String("api-key")).Fetch(ctx)
			if err != nil {
				return err
			}
			return printSummary(os.Stdout, s)
		},
	}
}

func printSummary(w io.Writer, s *stats.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "connections\tactive %.0f\tdraining %.0f\n", s.Connections["active"], s.Connections["draining"])
	fmt.Fprintf(tw, "topics\t%.0f\tsubscriptions %.0f\n", s.Topics, s.Subscriptions)
	fmt.Fprintf(tw, "messages\tpublished %.0f\tdelivered %.0f\n", s.Published, s.Delivered)
	fmt.Fprintf(tw, "loss\tdrops %.0f\treplay gaps %.0f\n", s.Drops, s.ReplayGaps)
	for reason, n := range s.Rejected {
		fmt.Fprintf(tw, "rejected\t%s\t%.0f\n", reason, n)
	}
	if len(s.PerTopic) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TOPIC\tHEAD\tBUFFERED\tSUBSCRIBERS\tQUEUED")
		for _, t := range s.PerTopic {
			fmt.Fprintf(tw, "%s\t%.0f\t%.0f\t%.0f\t%.0f\n", t.Name, t.Head, t.Buffered, t.Subscribers, t.QueueDepth)
		}
	}
	return tw.Flush()
}
