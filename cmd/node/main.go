package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eind-chat/eind-core/internal/config"
	"github.com/eind-chat/eind-core/internal/logging"
	"github.com/eind-chat/eind-core/internal/node"
	"github.com/eind-chat/eind-core/internal/profile"
	"github.com/eind-chat/eind-core/internal/session"
	"github.com/eind-chat/eind-core/internal/store"
	"github.com/eind-chat/eind-core/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	phone := flag.String("phone", "", "Phone number to log in as (required on first run)")
	name := flag.String("name", "", "Display name announced to peers")
	forget := flag.Bool("forget", false, "Erase the stored profile and all conversations, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("vault passphrase unavailable", zap.Error(err))
	}

	vault := profile.NewVault(cfg.Vault.Path)
	if err := vault.Unlock(passphrase); err != nil {
		logger.Fatal("unlock profile vault", zap.Error(err))
	}

	if *forget {
		forgetEverything(logger, vault, cfg.StorePath)
		return
	}

	prof := loginProfile(logger, vault, *phone, *name)

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Fatal("open conversation store", zap.Error(err))
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(node.Config{
		Log:               logger,
		Phone:             prof.Phone,
		DisplayName:       prof.DisplayName,
		Avatar:            prof.Avatar,
		Store:             st,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		FanoutRetryDelay:  cfg.FanoutRetryDelay,
		SessionMetrics:    session.NewMetrics(nil),
	})
	if err != nil {
		logger.Fatal("assemble node", zap.Error(err))
	}

	// The advertised endpoint is known only after the listener binds and
	// STUN answers; the signaling client reads it lazily.
	var advertised string
	sig, err := transport.NewClient(logger, cfg.SignalingURL, n.Self(), func() string { return advertised })
	if err != nil {
		logger.Fatal("assemble signaling client", zap.Error(err))
	}

	tr, err := transport.New(transport.Config{
		Log:        logger,
		Self:       n.Self(),
		ListenAddr: cfg.ListenAddress,
		Resolver:   sig,
		Events:     n.Events(),
	})
	if err != nil {
		logger.Fatal("assemble transport", zap.Error(err))
	}
	if err := tr.Start(ctx); err != nil {
		logger.Fatal("start transport", zap.Error(err))
	}
	defer tr.Close()

	advertised = tr.Addr()
	if cfg.STUNServer != "" {
		if public, err := transport.PublicAddr(cfg.STUNServer); err != nil {
			logger.Warn("stun discovery failed, advertising local address", zap.Error(err))
		} else {
			advertised = public
		}
	}
	logger.Info("advertising endpoint", zap.String("addr", advertised))

	if err := sig.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrIdentityTaken) {
			logger.Fatal("identity already logged in elsewhere", zap.String("identity", n.Self().String()))
		}
		logger.Fatal("connect signaling", zap.Error(err))
	}
	go func() {
		if err := sig.Run(ctx); err != nil && errors.Is(err, transport.ErrIdentityTaken) {
			logger.Error("identity claimed by another instance, going offline")
			stop()
		}
	}()

	n.BindTransport(tr)
	n.Start(ctx)
	logger.Info("node online", zap.String("identity", n.Self().String()))

	<-ctx.Done()
	shutdown(logger, cfg.ShutdownGracePeriod, n, vault)
}

// forgetEverything erases the vaulted profile and drops every stored
// conversation. The next run starts as a fresh first login.
func forgetEverything(log *zap.Logger, vault *profile.Vault, storePath string) {
	if err := vault.Erase(); err != nil {
		log.Fatal("erase profile vault", zap.Error(err))
	}
	st, err := store.Open(storePath, log)
	if err != nil {
		log.Fatal("open conversation store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Wipe(); err != nil {
		log.Fatal("wipe conversation store", zap.Error(err))
	}
	log.Info("profile and conversations erased")
}

// loginProfile resumes the stored profile or creates one from the login
// flags. A new phone number replaces the previous profile outright.
func loginProfile(log *zap.Logger, vault *profile.Vault, phone, name string) profile.Profile {
	stored, err := vault.Load()
	switch {
	case err == nil && phone == "":
		log.Info("resuming stored profile", zap.String("phone", stored.Phone))
		return stored
	case errors.Is(err, profile.ErrNoProfile) && phone == "":
		log.Fatal("no stored profile; -phone is required on first run")
	case err != nil && !errors.Is(err, profile.ErrNoProfile):
		log.Fatal("load profile", zap.Error(err))
	}

	prof := profile.Profile{Phone: phone, DisplayName: name}
	if prof.DisplayName == "" {
		prof.DisplayName = stored.DisplayName
	}
	if err := vault.Store(prof); err != nil {
		log.Fatal("store profile", zap.Error(err))
	}
	log.Info("profile stored", zap.String("phone", prof.Phone))
	return prof
}

func shutdown(log *zap.Logger, grace time.Duration, n *node.Node, vault *profile.Vault) {
	done := make(chan struct{})
	go func() {
		n.Logout()
		vault.Lock()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-time.After(grace):
		log.Warn("shutdown grace period elapsed, exiting anyway")
	}
}
