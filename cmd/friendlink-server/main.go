package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/relayserver"
	"github.com/phuslu/log"
	"gopkg.in/yaml.v2"
)

const configFile = "friendlink.yml"

// errHelp makes -h unwind erringMain without being reported as a failure.
var errHelp = errors.New("help requested")

type Config struct {
	Name       string `envconfig:"FRIENDLINK_NAME" default:"FriendLink Server" yaml:"name"`
	MaxPlayers uint   `envconfig:"FRIENDLINK_MAX_PLAYERS" default:"6" yaml:"max_players"`
	Port1      string `envconfig:"FRIENDLINK_PORT1" default:"29015" yaml:"port1"`
	Port2      string `envconfig:"FRIENDLINK_PORT2" default:"29016" yaml:"port2"`
}

// loadConfig layers: environment defaults, then the optional yaml file,
// then the command line.
func loadConfig(args []string) (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyArgs(config, args); err != nil {
		return nil, err
	}
	if config.MaxPlayers > 255 {
		return nil, fmt.Errorf("max players must be between 0 and 255")
	}
	return config, nil
}

func usage(name string) {
	fmt.Fprintf(os.Stderr, `Usage: %s [option(s)]
Options:
	-h,--help,/?	Show this help message
	-n,--name server name	Sets the server name
	-mp,--max_players [0-255]	Sets the max number of players allowed on the server.
	-p1,--port1 port	Sets port the server(tcp) and client(udp) will listen on.
	-p2,--port2 port	Sets port the server(udp) will listen on
`, name)
}

func applyArgs(config *Config, args []string) error {
	next := func(i *int, flag string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("missing value for %s", flag)
		}
		return args[*i], nil
	}

	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-h", "--help", "/?":
			usage(args[0])
			return errHelp
		case "-n", "--name":
			value, err := next(&i, arg)
			if err != nil {
				return err
			}
			config.Name = value
		case "-mp", "--max_players":
			value, err := next(&i, arg)
			if err != nil {
				return err
			}
			maxPlayers, err := strconv.ParseUint(value, 10, 0)
			if err != nil {
				return fmt.Errorf("bad max players %q: %w", value, err)
			}
			config.MaxPlayers = uint(maxPlayers)
		case "-p1", "--port1":
			value, err := next(&i, arg)
			if err != nil {
				return err
			}
			config.Port1 = value
		case "-p2", "--port2":
			value, err := next(&i, arg)
			if err != nil {
				return err
			}
			config.Port2 = value
		}
	}
	return nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// consoleEvents stands in for the dashboard: every hook becomes a log line.
type consoleEvents struct {
	logger *log.Logger
}

func (e *consoleEvents) ClientJoined(slot uint8, addr string) {
	e.logger.Info().Msgf("slot %d joined from %s", slot, addr)
}

func (e *consoleEvents) ClientLeft(slot uint8) {
	e.logger.Info().Msgf("slot %d left", slot)
}

func (e *consoleEvents) PropertiesReceived(slot uint8, stream *protocol.Stream) {
	e.logger.Debug().Msgf("properties from slot %d (%d bytes)", slot, len(stream.Packed()))
}

func (e *consoleEvents) Error(msg string) {
	e.logger.Error().Msg(msg)
}

func erringMain() error {
	config, err := loadConfig(os.Args)
	if err != nil {
		return err
	}

	logger := configureLogger()

	registry, err := relayserver.NewRegistry(
		uint8(config.MaxPlayers),
		config.Port1,
		config.Port2,
		&consoleEvents{logger: logger},
		logger,
	)
	if err != nil {
		return fmt.Errorf("could not start listeners: %w", err)
	}
	logger.Info().Msgf("%s serving %d slots on tcp :%s / udp :%s",
		config.Name, config.MaxPlayers, config.Port1, config.Port2)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = registry.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	quitChan := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if scanner.Text() == "q" {
				close(quitChan)
				return
			}
		}
	}()

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %v signal", sig)
	case <-quitChan:
		logger.Info().Msg("quitting")
	}

	cancel()
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("registry run failed: %w", runErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
