// Command ircserved runs a small standalone IRC daemon on top of the
// ircserve library, with in-memory channels and an optional bcrypt
// password gate. It exists mainly as a working example of a host.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/ircserve/ircserve/irc/config"
	"github.com/ircserve/ircserve/irc/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml/toml/json); environment-only when empty")
	ircAddr := flag.String("irc", "", "Override: plaintext IRC bind address")
	adminAddr := flag.String("admin", "", "Override: admin HTTP bind address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *ircAddr != "" {
		cfg.Listeners = []config.Listener{{Addr: *ircAddr}}
	}
	if *adminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = *adminAddr
	}
	if *debug {
		cfg.Server.Debug = true
	}

	log.Printf("Starting %s (%s network)", cfg.Server.Name, cfg.Server.Network)
	for _, l := range cfg.Listeners {
		log.Printf("Listener: %s (tls=%v)", l.Addr, l.TLS)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	rooms := newRoomHost(srv, cfg)
	srv.OnConnect(rooms.attach)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Println("IRC server started successfully!")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Server is running. Press Ctrl+C to stop.")
	<-sigChan
	log.Println("Shutdown signal received, stopping server...")

	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	log.Println("Server stopped. Goodbye!")
}
