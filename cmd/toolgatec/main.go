// toolgatec is a one-shot CLI client for the gateway: submit a tool
// request, list tools, or drain pending results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"toolgate.local/gateway/internal/client"
)

const (
	exitSuccess         = 0
	exitDenied          = 1
	exitTimeout         = 2
	exitConnectionError = 3
	exitInvalidArgs     = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("toolgatec", flag.ContinueOnError)
	url := flags.String("url", os.Getenv("TOOLGATE_URL"), "gateway websocket url (ws:// or wss://)")
	token := flags.String("token", os.Getenv("TOOLGATE_TOKEN"), "agent token")
	timeout := flags.Duration("timeout", 20*time.Minute, "overall request timeout")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "usage: toolgatec [flags] request <tool> [key=value ...]\n")
		fmt.Fprintf(flags.Output(), "       toolgatec [flags] tools\n")
		fmt.Fprintf(flags.Output(), "       toolgatec [flags] pending\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return exitInvalidArgs
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return exitInvalidArgs
	}
	if *url == "" {
		fmt.Fprintln(os.Stderr, "Error: gateway URL required (-url or TOOLGATE_URL)")
		return exitConnectionError
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: agent token required (-token or TOOLGATE_TOKEN)")
		return exitConnectionError
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch rest[0] {
	case "request":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "Error: request needs a tool name")
			return exitInvalidArgs
		}
		toolArgs, err := parseKeyValueArgs(rest[2:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitInvalidArgs
		}
		return runRequest(ctx, *url, *token, rest[1], toolArgs)
	case "tools":
		return runTools(ctx, *url, *token)
	case "pending":
		return runPending(ctx, *url, *token)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", rest[0])
		flags.Usage()
		return exitInvalidArgs
	}
}

func runRequest(ctx context.Context, url, token, tool string, args map[string]any) int {
	c, err := client.Dial(ctx, url, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connection failed: %v\n", err)
		return exitConnectionError
	}
	defer c.Close()

	data, err := c.ToolRequest(ctx, tool, args)
	if err != nil {
		return reportError(err)
	}
	printJSON(data)
	return exitSuccess
}

func runTools(ctx context.Context, url, token string) int {
	c, err := client.Dial(ctx, url, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connection failed: %v\n", err)
		return exitConnectionError
	}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	if err != nil {
		return reportError(err)
	}
	printJSON(tools)
	return exitSuccess
}

func runPending(ctx context.Context, url, token string) int {
	c, err := client.Dial(ctx, url, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connection failed: %v\n", err)
		return exitConnectionError
	}
	defer c.Close()

	results, err := c.GetPendingResults(ctx)
	if err != nil {
		return reportError(err)
	}
	printJSON(results)
	return exitSuccess
}

func reportError(err error) int {
	switch {
	case client.IsDenied(err):
		fmt.Fprintf(os.Stderr, "Error: denied: %v\n", err)
		return exitDenied
	case client.IsTimeout(err):
		fmt.Fprintf(os.Stderr, "Error: timed out: %v\n", err)
		return exitTimeout
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(os.Stderr, "Error: request timed out waiting for response")
		return exitTimeout
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConnectionError
	}
}

func parseKeyValueArgs(raw []string) (map[string]any, error) {
	args := make(map[string]any, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid argument format (expected key=value): %q", item)
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in argument: %q", item)
		}
		args[key] = value
	}
	return args, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
