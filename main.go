package main

import (
	"bufio"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/logger"
	"chatrelay/server"
	"chatrelay/store"

	"go.uber.org/zap"
)

const controlSocketPath = "/tmp/chatrelay.sock"

var configPath = flag.String("conf", "chatrelay.yaml", "path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st, err := store.NewSQLite(cfg.DBPath, auth.NewBcryptHasher())
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	srv := server.New(st, &server.Config{
		Port:            cfg.Port,
		UploadPort:      cfg.UploadPort,
		DownloadPort:    cfg.DownloadPort,
		UploadDir:       cfg.UploadDir,
		BadWordsPath:    cfg.BadWordsPath,
		ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
		HistoryLimit:    cfg.HistoryLimit,
		FilesLimit:      cfg.FilesLimit,
		ModerationAudit: cfg.ModerationAudit,
	}, log)

	go startControlSocket(srv, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		srv.Stop()
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// startControlSocket listens for administrative commands on a unix socket.
// Supported: "stats" and "shutdown".
func startControlSocket(srv *server.Server, log *zap.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Warn("failed to create control socket", zap.Error(err))
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

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()
		// Даем ответу дойти до клиента
		time.Sleep(100 * time.Millisecond)

		log.Info("shutdown requested via control socket")
		srv.Stop()
		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
