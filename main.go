package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"lanlobby/authentication/controllers"
	"lanlobby/authentication/routes"
	"lanlobby/config"
	"lanlobby/database"
	"lanlobby/handlers"
	"lanlobby/ipmanager"
	"lanlobby/presence"
	"lanlobby/realtime"
	"lanlobby/repositories"
	"lanlobby/wireguard"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("configuration failed", zap.Error(err))
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Warn("redis unavailable, room list caching disabled", zap.Error(err))
		rdb = nil
	}

	roomStore := repositories.NewGormRoomStore(db)
	userStore := repositories.NewGormUserStore(db)
	friendStore := repositories.NewGormFriendStore(db)

	alloc := ipmanager.New(db)
	tool := wireguard.NewSystemTool(log)
	prov := wireguard.NewProvisioner(db, alloc, tool, cfg.ConfigDir, cfg.ToolTimeout, log)

	endpoint := ""
	if addr, err := wireguard.DiscoverPublicAddress(cfg.StunServer); err == nil {
		endpoint = addr
		log.Info("public endpoint discovered", zap.String("endpoint", endpoint))
	} else {
		log.Warn("stun discovery failed, clients will see no endpoint", zap.Error(err))
	}

	sessions := presence.NewSessionRegistry()
	defer sessions.Close()

	hub := realtime.NewHub(log)
	coord := presence.NewCoordinator(roomStore, userStore, prov, sessions, hub, log, presence.Options{
		SweepEvery:   cfg.HeartbeatInterval,
		StaleAfter:   cfg.StaleAfter,
		EndpointHost: endpoint,
	})
	gateway := realtime.NewGateway(hub, coord, roomStore, log)

	roomHandler := handlers.NewRoomHandler(coord, roomStore, rdb, cfg.DefaultMaxPlayers, log)
	friendHandler := handlers.NewFriendHandler(friendStore, userStore, log)
	auth := &controllers.AuthController{
		Users:       userStore,
		Secret:      cfg.JWTSecret,
		ExpiryHours: cfg.TokenExpiryHours,
		Log:         log,
	}
	stun := &controllers.StunController{StunServer: cfg.StunServer, Log: log}

	app := fiber.New(fiber.Config{AppName: "lanlobby"})
	routes.SetupRoutes(app, routes.Deps{
		Auth:      auth,
		Stun:      stun,
		Rooms:     roomHandler,
		Friends:   friendHandler,
		Gateway:   gateway,
		JWTSecret: cfg.JWTSecret,
	})

	go coord.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.RoomCacheInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				roomHandler.RefreshCache(ctx)
			}
		}
	}()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		cancel()
		if err := app.Shutdown(); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}()

	log.Info("server starting", zap.String("addr", cfg.ListenAddr))
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
