// Strangerloop is a terminal client for anonymous random-pairing video chat.
//
// The client pairs with a random stranger through the shared queue store,
// negotiates a direct WebRTC session over the signaling bus, and keeps a
// text side-channel scoped to the pairing. Type to chat; /skip finds a new
// stranger, /quit leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/client"
	"github.com/strangerloop/strangerloop/internal/config"
	"github.com/strangerloop/strangerloop/internal/media"
	"github.com/strangerloop/strangerloop/internal/queue"
	"github.com/strangerloop/strangerloop/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	userFlag := flag.String("user", "", "User id (default: random)")
	redisFlag := flag.String("redis", "", "Redis address (default: $REDIS_ADDR or localhost:6379)")
	videoFlag := flag.String("video", "", "IVF file looped as the outbound video track")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Strangerloop v%s", version))
	pterm.Println()

	cfg := config.Load()
	if *redisFlag != "" {
		cfg.Redis.Addr = *redisFlag
	}
	if *videoFlag != "" {
		cfg.VideoFile = *videoFlag
	}

	userID := *userFlag
	if userID == "" {
		userID = uuid.NewString()
	}

	if err := run(ctx, cfg, userID); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, userID string) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}

	cl := client.New(client.Config{
		UserID:             userID,
		Store:              queue.NewRedisStore(rdb, cfg.QueuePrefix),
		Bus:                bus.NewRedisBus(rdb, cfg.SignalChannel),
		Media:              media.NewPionFactory(cfg.StunServers, cfg.VideoFile),
		RetryDelay:         cfg.SearchRetryDelay,
		WaitTimeout:        cfg.WaitTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		OnStateChange:      reportState,
		OnRemoteTrack: func(track media.RemoteTrack) {
			util.LogInfo("receiving %s (%s)", track.Kind, track.Codec)
		},
		OnChat: func(senderID, text string) {
			util.Stats.AddChatRecv()
			pterm.Println(pterm.Cyan("stranger: ") + text)
		},
	})

	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("you are %s, searching for a stranger", userID)
	pterm.Println(pterm.Gray("type to chat, /skip for a new stranger, /quit to leave"))

	go readCommands(cl)

	select {
	case <-cl.Done():
	case <-ctx.Done():
		cl.Quit()
		<-cl.Done()
	}

	util.LogInfo("goodbye")
	return nil
}

// reportState relays lifecycle transitions to the user and the stats
// counters.
func reportState(s client.State) {
	switch s {
	case client.StateSearching:
		util.LogInfo("searching…")
	case client.StateWaiting:
		util.LogInfo("waiting for a stranger…")
	case client.StateNegotiating:
		util.LogInfo("stranger found, connecting…")
	case client.StateConnected:
		util.Stats.AddMatch()
		util.LogInfo("connected, say hi")
	}
}

// readCommands turns stdin lines into client commands. Runs until stdin
// closes or the client stops.
func readCommands(cl *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/skip":
			util.Stats.AddSkip()
			cl.Skip()
		case line == "/quit":
			cl.Quit()
			return
		default:
			util.Stats.AddChatSent()
			cl.SendChat(line)
		}
	}
}
