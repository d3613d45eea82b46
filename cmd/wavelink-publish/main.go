// wavelink-publish is a command-line event injector: it reads lines from
// stdin (or a file), wraps each one in an event envelope, and publishes it
// to the broker exactly the way the server's own publisher does. Useful for
// smoke-testing a running server and for driving load by hand.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/ksuid"

	"wavelink/internal/logging"
	"wavelink/internal/publish"
	"wavelink/pkg/protocol"
)

type publishStats struct {
	startTime time.Time
	events    int64
	bytes     int64
}

func main() {
	var (
		natsURL   = flag.String("nats", nats.DefaultURL, "Broker URL to publish through")
		userID    = flag.String("user", "", "Target user id (delivers on the user channel)")
		chatID    = flag.String("chat", "", "Target chat id (delivers on the chat channel)")
		eventType = flag.String("type", protocol.EventNewMessage, "Event type for each published line")
		from      = flag.String("from", "", "Sender id stamped on each event (generated if empty)")
		rate      = flag.Duration("rate", 0, "Minimum delay between events (0 = as fast as stdin)")
		input     = flag.String("file", "", "Read lines from a file instead of stdin")
		help      = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}
	if (*userID == "") == (*chatID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -user or -chat is required")
		showHelp()
		os.Exit(2)
	}

	logging.Init(logging.Config{Level: "warn", Format: "console"})

	if *from == "" {
		*from = "cli-" + ksuid.New().String()
	}

	nc, err := nats.Connect(*natsURL, nats.Name("wavelink-publish"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to broker %s: %v\n", *natsURL, err)
		os.Exit(1)
	}
	defer nc.Close()

	pub := publish.New(nc)

	in := io.Reader(os.Stdin)
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", *input, err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := publishStats{startTime: time.Now()}
	if err := run(ctx, pub, in, &stats, options{
		userID:    *userID,
		chatID:    *chatID,
		eventType: *eventType,
		from:      *from,
		rate:      *rate,
	}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		os.Exit(1)
	}

	if err := pub.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
	}

	elapsed := time.Since(stats.startTime)
	fmt.Printf("published %d events (%s) in %s\n",
		stats.events, formatBytes(stats.bytes), elapsed.Round(time.Millisecond))
}

type options struct {
	userID    string
	chatID    string
	eventType string
	from      string
	rate      time.Duration
}

func run(ctx context.Context, pub *publish.Publisher, in io.Reader, stats *publishStats, opts options) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ticker *time.Ticker
	if opts.rate > 0 {
		ticker = time.NewTicker(opts.rate)
		defer ticker.Stop()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		event := protocol.NewEvent(opts.eventType, map[string]any{
			"from": opts.from,
			"text": line,
		})
		if opts.chatID != "" {
			event.Data["chatId"] = opts.chatID
		}

		var err error
		if opts.userID != "" {
			err = pub.PublishToUser(ctx, opts.userID, event)
		} else {
			err = pub.PublishToChat(ctx, opts.chatID, event)
		}
		if err != nil {
			return err
		}
		stats.events++
		stats.bytes += int64(len(line))

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMG"[exp])
}

func showHelp() {
	fmt.Println("wavelink-publish: publish events to a wavelink broker from stdin")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wavelink-publish -user <id> [options] < messages.txt")
	fmt.Println("  wavelink-publish -chat <id> -rate 100ms -file messages.txt")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Each non-empty input line becomes one event on the target channel.")
}
