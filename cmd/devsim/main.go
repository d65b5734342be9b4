package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/devsim/internal/config"
	"github.com/timzifer/devsim/internal/logging"
	"github.com/timzifer/devsim/internal/service"
	"github.com/timzifer/devsim/remote"
)

type overrides struct {
	ip     string
	port   int
	script string
	set    map[string]bool
}

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Probe the configured listen address and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and script, then exit")
	var ov overrides
	flag.StringVar(&ov.ip, "ip", config.DefaultIP, "IP address to listen on")
	flag.IntVar(&ov.port, "port", config.DefaultPort, "TCP port to listen on")
	flag.StringVar(&ov.script, "script", "", "Device script")
	flag.Parse()

	ov.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { ov.set[f.Name] = true })

	cfg, err := loadConfig(*cfgPath, ov)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *healthcheck {
		if err := executeHealthCheck(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		if err := service.Validate(cfg, zerolog.Nop()); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration check completed successfully.")
		os.Exit(0)
	}

	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
		cleanup()
		os.Exit(1)
	}
}

// loadConfig reads path when given, applies explicitly set flags and fills
// defaults.
func loadConfig(path string, ov overrides) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if ov.set["ip"] {
		cfg.Listen.IP = ov.ip
	}
	if ov.set["port"] {
		cfg.Listen.Port = ov.port
	}
	if ov.set["script"] {
		cfg.Script.Path = ov.script
	}
	config.Normalize(cfg)
	return cfg, nil
}

func executeHealthCheck(cfg *config.Config) error {
	return remote.Probe(nil, remote.Endpoint{
		Address: healthcheckAddress(cfg.Listen),
		UnitID:  1,
		Timeout: cfg.Dispatch.CallTimeout.Duration,
	})
}

// healthcheckAddress returns the address to probe for listen. A wildcard bind
// address is probed on the loopback interface of the same family.
func healthcheckAddress(listen config.ListenConfig) string {
	ip := net.ParseIP(listen.IP)
	if ip == nil || !ip.IsUnspecified() {
		return listen.Address()
	}
	loopback := net.IPv6loopback
	if ip.To4() != nil {
		loopback = net.IPv4(127, 0, 0, 1)
	}
	return net.JoinHostPort(loopback.String(), strconv.Itoa(listen.Port))
}
