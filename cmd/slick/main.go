// This file contains a development harness to run a single slick node
// without any of the pairing-decision UI a real client would put in front of
// it (spec §1 explicitly excludes that UI from this module's scope).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/slicknet/slick/slickctx"
	"github.com/slicknet/slick/supervisor"
)

var (
	baseFlag        = flag.String("base", "", "on-disk directory to store identity, friends and logs under (required)")
	nameFlag        = flag.String("name", "", "display name to persist on first run")
	autoAcceptFlag  = flag.Bool("auto-accept", false, "accept every incoming friend request without prompting")
	deleteAtExit    = flag.Bool("delete-at-exit", false, "remove the base directory entirely on shutdown")
	nearbyPollEvery = flag.Duration("nearby-poll", 10*time.Second, "how often to log currently observed LAN candidates")
)

func main() {
	flag.Parse()
	if *baseFlag == "" {
		fmt.Fprintln(os.Stderr, "slick: -base is required")
		os.Exit(2)
	}

	logger := log.Root()

	sv := supervisor.New(supervisor.Config{
		Base:           *baseFlag,
		Name:           *nameFlag,
		DeleteAtExit:   *deleteAtExit,
		FriendDecision: friendDecision(logger, *autoAcceptFlag),
		MessageFunc:    logMessage(logger),
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sv.Start(ctx); err != nil {
		logger.Crit("Failed to start slick", "err", err)
	}

	go logNearby(ctx, sv, logger, *nearbyPollEvery)

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := sv.Stop(); err != nil {
		logger.Error("Shutdown did not complete cleanly", "err", err)
	}
}

// friendDecision auto-accepts every request when autoAccept is set, matching
// what a scripted dev harness needs; otherwise it logs and rejects, since
// there is no REPL here to ask a human (spec §1 Non-goal).
func friendDecision(logger log.Logger, autoAccept bool) slickctx.FriendDecisionFunc {
	return func(req *slickctx.FriendRequest) bool {
		logger.Info("Friend request received", "name", req.Name, "auto_accept", autoAccept)
		return autoAccept
	}
}

func logMessage(logger log.Logger) slickctx.MessageFunc {
	return func(msg *slickctx.Message) {
		logger.Info("Message received", "from", msg.SenderName, "onion", msg.SenderOnion,
			"content_type", msg.ContentType, "bytes", len(msg.Data))
	}
}

func logNearby(ctx context.Context, sv *supervisor.Supervisor, logger log.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, n := range sv.Nearby() {
				logger.Info("Nearby candidate", "name", n.Name, "ip", n.IP, "talk_port", n.TalkPort)
			}
		case <-ctx.Done():
			return
		}
	}
}
