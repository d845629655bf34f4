package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"frutiger-messenger/internal/chat"
	"frutiger-messenger/internal/client"

	"github.com/gookit/color"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("server", "http://localhost:3000", "Server base URL")
	username := flag.String("user", "", "Username")
	password := flag.String("password", os.Getenv("FRUTIGER_PASSWORD"), "Password, defaults to $FRUTIGER_PASSWORD")
	register := flag.Bool("register", false, "Register the user before logging in")
	avatarColor := flag.String("color", "", "Avatar colour used on registration, e.g. #00C2C7")
	channel := flag.String("channel", "1-general", "Channel to join")
	colors := flag.Bool("colors", true, "Colour output")
	flag.Parse()

	if *username == "" || *password == "" {
		flag.Usage()
		os.Exit(2)
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalf("zap.Build: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	renderer := client.NewRenderer(os.Stdout, *colors)
	sess, err := client.NewSession(sugar, *addr,
		client.OnChange(renderer.Render),
		client.OnError(func(err error) {
			fmt.Fprintln(os.Stderr, color.Red.Sprint("! "+err.Error()))
		}),
	)
	if err != nil {
		sugar.Fatalf("Cannot create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *register {
		if err := sess.Register(ctx, client.RegisterRequest{Username: *username, Password: *password, AvatarColor: *avatarColor}); err != nil {
			sugar.Fatalf("Cannot register: %v", err)
		}
	}
	if _, err := sess.Login(ctx, *username, *password); err != nil {
		sugar.Fatalf("Cannot log in: %v", err)
	}
	if err := sess.Connect(ctx); err != nil {
		sugar.Fatalf("Cannot connect: %v", err)
	}
	defer sess.Close()

	if err := join(sess, *channel); err != nil {
		sugar.Fatalf("Cannot join %s: %v", *channel, err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, sess, renderer, line) {
				return
			}
		}
	}
}

func join(sess *client.Session, raw string) error {
	key, err := chat.ParseChannelKey(raw)
	if err != nil {
		return err
	}
	return sess.SwitchChannel(key)
}

// handleLine runs a command or sends the line; false means quit
func handleLine(ctx context.Context, sess *client.Session, renderer *client.Renderer, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return false
	case line == "/logout":
		if err := sess.Logout(ctx); err != nil {
			fmt.Fprintln(os.Stderr, color.Red.Sprint("! "+err.Error()))
		}
		return false
	case line == "/history":
		messages, err := sess.History(ctx, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.Red.Sprint("! "+err.Error()))
			break
		}
		renderer.Table(messages)
	case strings.HasPrefix(line, "/join "):
		if err := join(sess, strings.TrimSpace(strings.TrimPrefix(line, "/join "))); err != nil {
			fmt.Fprintln(os.Stderr, color.Red.Sprint("! "+err.Error()))
		}
	default:
		if err := sess.Send(line); err != nil {
			fmt.Fprintln(os.Stderr, color.Red.Sprint("! "+err.Error()))
		}
	}
	return true
}
