package main

import (
	"bufio"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convo/api"
	"convo/assist"
	"convo/auth"
	"convo/config"
	"convo/db"
	"convo/presence"
	"convo/relay"
	"convo/server"
	"convo/social"
)

const (
	controlSocketPath = "/tmp/convo.sock"

	// aiUsername is the reserved AI identity, always reachable and
	// exempt from the friendship gate.
	aiUsername = "ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var log *zap.Logger
	if cfg.Logger.Development {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	database, err := db.New(cfg.DB.Path)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer database.Close()

	if err := ensureAIUser(database); err != nil {
		log.Fatal("AI identity provisioning failed", zap.Error(err))
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// Tokens won't survive a restart without a configured secret.
		secret = uuid.NewString()
		log.Warn("auth.jwt_secret not set, generated an ephemeral one")
	}

	authSvc := auth.NewService(database, secret,
		time.Duration(cfg.Auth.TokenTTL)*time.Hour, log.Named("auth"))
	registry := presence.NewRegistry()
	coordinator := social.NewCoordinator(database, log.Named("social"))
	messageRelay := relay.New(database, registry, coordinator, aiUsername,
		cfg.Server.WriteTimeoutDuration(), log.Named("relay"))
	provider := assist.NewHTTPProvider(cfg.Provider.URL, cfg.Provider.Model, cfg.Provider.APIKey)
	composer := assist.NewCoordinator(provider, messageRelay, aiUsername,
		cfg.Provider.TimeoutDuration(), log.Named("assist"))

	srv := server.New(&server.Config{
		Port:         cfg.Server.TCPPort,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}, authSvc, registry, messageRelay, coordinator, composer, aiUsername, log.Named("server"))

	router := api.NewRouter(&api.Handler{
		Auth:   authSvc,
		Social: coordinator,
		Relay:  messageRelay,
		Assist: composer,
		AIUser: aiUsername,
		Log:    log.Named("api"),
	})

	go func() {
		addr := ":" + strconv.Itoa(cfg.Server.HTTPPort)
		log.Info("http api listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, router); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	go startControlSocket(srv, log.Named("control"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutting down", zap.String("signal", sig.String()))
		srv.Shutdown("maintenance", time.Time{})
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	log.Fatal("tcp server stopped", zap.Error(srv.Start()))
}

// ensureAIUser provisions the reserved AI account so it can take part in
// conversations. Its password is random; nobody logs in as the AI.
func ensureAIUser(database *db.DB) error {
	exists, err := database.UserExists(aiUsername)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return database.CreateUser(aiUsername, uuid.NewString())
}

func startControlSocket(srv *server.Server, log *zap.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Error("control socket unavailable", zap.Error(err))
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Info("control socket listening", zap.String("path", controlSocketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, log)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, log *zap.Logger) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()
		time.Sleep(100 * time.Millisecond)

		log.Info("shutdown requested", zap.String("reason", reason))
		srv.Shutdown(reason, completionTime)
		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
