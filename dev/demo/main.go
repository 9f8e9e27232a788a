// The demo is a terminal chat client: lines typed on stdin are sent to the
// relay, the mirrored channel is re-rendered on every update. `/clear` wipes
// the channel, `/quit` exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"chatrelay/client"
)

var (
	flagURL     = flag.String("url", "ws://127.0.0.1:8000/ws", "relay websocket endpoint")
	flagName    = flag.String("name", "", "login name")
	flagChannel = flag.String("channel", "general", "channel id to join")
)

func main() {
	flag.Parse()

	if *flagName == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		os.Exit(1)
	}

	c, err := client.New(&client.Conf{
		URL:       *flagURL,
		Name:      *flagName,
		ChannelID: *flagChannel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	go render(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch line {
		case "/quit":
			cancel()
			return
		case "/clear":
			if err := c.Clear(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "clear: %v\n", err)
			}
		default:
			if _, err := c.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
		cancel()
	}
}

func render(c *client.Client) {
	for range c.Updates() {
		fmt.Printf("--- %s [%s] ---\n", *flagChannel, c.State())
		for _, m := range c.Messages() {
			fmt.Printf("%s  <%s>  %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Author.Name, m.Content)
		}
	}
}
