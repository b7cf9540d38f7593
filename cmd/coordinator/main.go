package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/vctt94/bisonbotkit"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/vctt94/coord-bisonrelay/chainwatcher"
	"github.com/vctt94/coord-bisonrelay/coordsession"
	"github.com/vctt94/coord-bisonrelay/relay"
)

var (
	datadir    = flag.String("datadir", "", "Directory to load config file from")
	createFlag = flag.Bool("create", false, "Create a new coordination session on startup")
)

func realMain() error {
	flag.Parse()
	if *datadir == "" {
		*datadir = utils.AppDataDir("coordinator", false)
	}
	cfg, err := LoadCoordinatorConfig(*datadir, "coordinator.conf")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	params, err := coordsession.ParamsFromNetwork(cfg.Network)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "coordinator.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return err
	}
	log := lb.Logger("COORD")

	pmChan := make(chan types.ReceivedPM)
	cfg.PMChan = pmChan

	bot, err := bisonbotkit.NewBot(cfg.BotConfig, lb)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	g.Go(func() error { return bot.Run(gctx) })

	ntfns := coordsession.NewNotificationManager()
	ntfns.RegisterParticipantJoined(func(sessionID string, p *coordsession.CoordinationParticipant) {
		log.Infof("Participant %s joined session %s", p.Nick, sessionID)
	})
	ntfns.RegisterFeeAgreed(func(sessionID string, rate float64) {
		log.Infof("Session %s agreed on fee rate %.2f sat/vB", sessionID, rate)
	})
	ntfns.RegisterStateChanged(func(sessionID string, oldState, newState coordsession.SessionState) {
		log.Infof("Session %s: %s -> %s", sessionID, oldState, newState)
	})
	ntfns.RegisterSessionExpired(func(sessionID string) {
		log.Warnf("Session %s expired", sessionID)
	})

	mgr, err := coordsession.NewSessionManager(coordsession.ManagerConfig{
		Log:           lb.Logger("SESS"),
		Notifications: ntfns,
	})
	if err != nil {
		return err
	}

	r, err := relay.NewRelay(relay.Config{
		Log:     lb.Logger("RELAY"),
		Bot:     bot,
		Manager: mgr,
	})
	if err != nil {
		return err
	}
	mgr.SetBroadcaster(r)
	for _, peer := range cfg.Peers {
		r.AddPeer(peer)
	}

	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return r.Run(gctx, pmChan) })

	if cfg.RPCHost != "" {
		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         cfg.RPCHost,
			User:         cfg.RPCUser,
			Pass:         cfg.RPCPass,
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to create bitcoind client: %w", err)
		}
		tw := chainwatcher.NewTipWatcher(lb.Logger("CHAIN"), client)
		defer tw.Stop()
		g.Go(func() error {
			tw.Run(gctx)
			return nil
		})

		// Surface the locktime height participants should stamp into
		// their fragments once the template locks.
		ntfns.RegisterStateChanged(func(sessionID string, _, newState coordsession.SessionState) {
			if newState == coordsession.StateFinalized {
				log.Infof("Session %s finalized, anti-fee-sniping height %d",
					sessionID, tw.Tip())
			}
		})
	}

	if *createFlag {
		sess, err := mgr.CreateSession(gctx, cfg.WalletDescriptor, params,
			cfg.ExpectedParticipants)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		log.Infof("Created session %s on %s, expecting %d participants",
			sess.ID(), cfg.Network, cfg.ExpectedParticipants)
	}

	log.Infof("Coordinator running, relaying to %d peers", len(cfg.Peers))
	return g.Wait()
}

func main() {
	if err := realMain(); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
