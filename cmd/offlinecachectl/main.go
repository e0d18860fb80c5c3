package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	baseURL := flag.String("addr", envOrDefault("OFFLINECACHE_CTL_ADDR", "http://127.0.0.1:8090"), "agent base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	command := args[0]

	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")
	switch command {
	case "status":
		runJSON(base, http.MethodGet, "/v1/agent/status", *timeout)
	case "skip-wait":
		runJSON(base, http.MethodPost, "/v1/agent/skip-wait", *timeout)
	case "clear-all":
		runJSON(base, http.MethodPost, "/v1/agent/clear-all", *timeout)
	case "flush":
		runJSON(base, http.MethodPost, "/v1/agent/flush", *timeout)
	case "follow":
		runFollow(base)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: offlinecachectl [-addr URL] status|skip-wait|clear-all|flush|follow")
}

func runJSON(base, method, path string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		log.Fatalf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func runFollow(base string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socketURL := strings.Replace(base, "http", "ws", 1) + "/v1/agent/events"
	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", socketURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event map[string]any
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("read event: %v", err)
		}
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
