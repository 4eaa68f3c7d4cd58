// Command avatar-client is a terminal chat demo for the avatar runtime:
// it connects to a backend, prints the transcript and lifecycle events,
// and plays response audio through the default output device.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/avatar-lite/pkg/runtime/config"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
	avatar "github.com/vango-go/avatar-lite/sdk"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()
	logger, closeLogs, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	client, err := avatar.NewClient(
		avatar.WithConfig(cfg),
		avatar.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client setup: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	speaker := newSpeaker()
	defer speaker.Close()
	if speaker == nil {
		logger.Warn("no audio output device, running silent")
	}

	go printEvents(client, speaker)

	fmt.Println("connecting...")
	if err := client.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		os.Exit(1)
	}
	if client.Degraded() {
		fmt.Println("running in degraded mode (text-only chat)")
	}
	fmt.Println("ready. type a message, /emotion <name>, /avatar <url>, or /quit")

	go repl(ctx, client, stop)

	<-ctx.Done()
	fmt.Println("\nshutting down...")
	if err := client.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}

func repl(ctx context.Context, client *avatar.Client, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			stop()
			return
		case strings.HasPrefix(line, "/emotion "):
			if err := client.SetEmotion(strings.TrimPrefix(line, "/emotion ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/avatar "):
			if err := client.SetAvatar(ctx, strings.TrimPrefix(line, "/avatar ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		default:
			if _, err := client.SendMessage(ctx, line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
	stop()
}

func printEvents(client *avatar.Client, speaker *speakerWriter) {
	for e := range client.Events() {
		switch ev := e.(type) {
		case avatar.StateChangedEvent:
			fmt.Printf("-- %s -> %s\n", ev.From, ev.To)
		case avatar.MessageEvent:
			fmt.Printf("agent [%s]: %s\n", ev.Emotion, ev.Text)
		case avatar.AudioEvent:
			speaker.Write(ev.PCM)
		case avatar.LoadProgressEvent:
			fmt.Printf("-- avatar %s: %s\n", ev.Stage, ev.URL)
		case avatar.ErrorEvent:
			fmt.Printf("! %v\n", ev.Err)
		}
	}
}

// buildLogger writes JSON logs to the configured rotating file, or to
// stderr when no file is set.
func buildLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFilePath != "" {
		rw, err := telemetry.NewRotatingWriter(cfg.LogFilePath, cfg.MaxLogFileSize, cfg.MaxLogFiles)
		if err != nil {
			return nil, nil, err
		}
		w = rw
		closeFn = func() { _ = rw.Close() }
	}
	return telemetry.NewLogger(w, cfg.LogLevel), closeFn, nil
}
