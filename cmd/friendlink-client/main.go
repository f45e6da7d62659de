// The friendlink-client command runs the full client pipeline headless: it
// reads the endpoint file, joins the server and feeds it a wandering local
// player, while remote avatars print the motion a host game would perform.
package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mattjns/friendlink/internal/player"
	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/relayclient"
	"github.com/phuslu/log"
)

type Config struct {
	EndpointFile string `envconfig:"FRIENDLINK_ENDPOINT_FILE" default:"FriendLinkIP.cfg"`
	LogFile      string `envconfig:"FRIENDLINK_LOG_FILE" default:"Log.txt"`
	PlayerName   string `envconfig:"FRIENDLINK_PLAYER_NAME" default:"Wanderer"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

// configureLogger writes the console and the timestamped Log.txt file.
func configureLogger(logFile string) *log.Logger {
	logger := log.DefaultLogger

	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.MultiEntryWriter{
		&log.ConsoleWriter{
			ColorOutput:    true,
			QuoteString:    true,
			EndWithMessage: true,
		},
		&log.FileWriter{
			Filename: logFile,
		},
	}

	return &logger
}

// wanderingDriver is the local player stand-in: it strolls a slow circle
// through one exterior cell.
type wanderingDriver struct {
	name  string
	start time.Time
}

func (d *wanderingDriver) Sample() player.Sample {
	t := time.Since(d.start).Seconds() / 10
	return player.Sample{
		Name:           d.name,
		CellName:       "WhiterunExterior01",
		WorldSpaceName: "Tamriel",
		Location: protocol.NewLocation(
			0x3C, 0x9F26,
			float32(2000*math.Cos(t)),
			float32(2000*math.Sin(t)),
			0,
		),
	}
}

func (d *wanderingDriver) SetName(string)                         {}
func (d *wanderingDriver) ChangeCellTo(protocol.Location)         {}
func (d *wanderingDriver) TranslateTo(protocol.Location, float32) {}
func (d *wanderingDriver) CellAttached(protocol.Location) bool    { return true }
func (d *wanderingDriver) CellInterior(protocol.Location) bool    { return false }
func (d *wanderingDriver) Same(ref any) bool                      { return ref == d }

// proxyDriver is what a remote player's avatar drives instead of a game
// object: it prints the motion commands it is given.
type proxyDriver struct {
	logger *log.Logger
	name   atomic.Value
}

func newProxyDriver(logger *log.Logger) *proxyDriver {
	d := &proxyDriver{logger: logger}
	d.name.Store("?")
	return d
}

func (d *proxyDriver) Sample() player.Sample {
	return player.Sample{Name: d.name.Load().(string)}
}

func (d *proxyDriver) SetName(name string) {
	d.name.Store(name)
}

func (d *proxyDriver) ChangeCellTo(loc protocol.Location) {
	d.logger.Info().Msgf("%s teleports to %s", d.name.Load(), loc)
}

func (d *proxyDriver) TranslateTo(loc protocol.Location, speed float32) {
	d.logger.Info().Msgf("%s moves to %s at %.0f u/s", d.name.Load(), loc, speed)
}

func (d *proxyDriver) CellAttached(protocol.Location) bool { return true }
func (d *proxyDriver) CellInterior(protocol.Location) bool { return false }
func (d *proxyDriver) Same(ref any) bool                   { return ref == d }

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogFile)

	host, tcpPort, udpPort, err := relayclient.ReadEndpoint(config.EndpointFile)
	if err != nil {
		return err
	}

	disconnected := make(chan struct{})
	session, err := player.Connect(
		host, tcpPort, udpPort,
		&wanderingDriver{name: config.PlayerName, start: time.Now()},
		func() player.WorldDriver { return newProxyDriver(logger) },
		func() { close(disconnected) },
		logger,
	)
	if err != nil {
		return fmt.Errorf("could not connect to %s:%s: %w", host, tcpPort, err)
	}
	logger.Info().Msgf("connected to %s:%s as slot %d of %d",
		host, tcpPort, session.Slot(), session.MaxClients())

	session.StartDataTransfer()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %v signal", sig)
	case <-disconnected:
		logger.Info().Msg("server dropped the link")
	}

	return session.Close()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
