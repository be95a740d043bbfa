// Command forwarder bootstraps reference prices for a fixed set of perp
// symbols, streams aggregate trades from the exchange websocket, and
// republishes them as delta-encoded frames over any combination of TCP,
// shared memory, and NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/perp-forwarder/internal/config"
	"github.com/yourusername/perp-forwarder/internal/fanout"
	"github.com/yourusername/perp-forwarder/internal/ingest"
	"github.com/yourusername/perp-forwarder/internal/natssink"
	"github.com/yourusername/perp-forwarder/internal/pipeline"
	"github.com/yourusername/perp-forwarder/internal/restbootstrap"
	"github.com/yourusername/perp-forwarder/internal/shmring"
	"github.com/yourusername/perp-forwarder/internal/wire"
)

const (
	exitOK              = 0
	exitBootstrapFailed = 1
	exitInvalidCLI      = 2
	exitFatalRuntime    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	assetsFlag := flag.String("assets", "", "comma-separated list of perpetual symbols, e.g. BTCUSDT,ETHUSDT (required)")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("forwarder: %v", err)
		return exitInvalidCLI
	}
	cfg.SetAssets(*assetsFlag)

	if err := parseSinkArgs(cfg, flag.Args()); err != nil {
		log.Printf("forwarder: %v", err)
		return exitInvalidCLI
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("forwarder: %v", err)
		return exitInvalidCLI
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("forwarder: shutdown signal received")
		cancel()
	}()

	header, err := bootstrapHeader(ctx, cfg)
	if err != nil {
		log.Printf("forwarder: bootstrap failed: %v", err)
		return exitBootstrapFailed
	}
	headerBytes, err := wire.BuildHeader(header)
	if err != nil {
		log.Printf("forwarder: encode header: %v", err)
		return exitFatalRuntime
	}
	log.Printf("forwarder: bootstrapped reference header for %v", header.Assets)

	pipe := pipeline.New(cfg.Pipeline.ChannelCapacity)

	sinks, cleanup, err := startSinks(cfg, headerBytes)
	if err != nil {
		log.Printf("forwarder: %v", err)
		return exitFatalRuntime
	}
	defer cleanup()

	in := ingest.New(cfg.Exchange.WSURL, cfg.Assets, pipe)
	go in.Run(ctx)

	runSinkLoop(ctx, header, pipe, sinks)

	log.Println("forwarder: shut down")
	return exitOK
}

// parseSinkArgs reads the "tcp", "shm", "nats" subcommand groups from the
// CLI's trailing arguments (everything after the global -assets/-config
// flags), enabling and configuring each sink named on the command line.
// A sink absent from args keeps whatever the config file or built-in
// defaults set.
func parseSinkArgs(cfg *config.Config, args []string) error {
	for name, group := range splitSinkGroups(args) {
		switch name {
		case "tcp":
			fs := flag.NewFlagSet("tcp", flag.ContinueOnError)
			port := fs.Int("port", cfg.TCP.Port, "TCP fanout listen port")
			if err := fs.Parse(group); err != nil {
				return err
			}
			cfg.TCP.Enabled = true
			cfg.TCP.Port = *port

		case "shm":
			fs := flag.NewFlagSet("shm", flag.ContinueOnError)
			shmName := fs.String("name", cfg.SHM.Name, "shared-memory ring file name under /dev/shm")
			shmCapacity := fs.Uint64("capacity", cfg.SHM.Capacity, "shared-memory ring capacity in bytes")
			if err := fs.Parse(group); err != nil {
				return err
			}
			cfg.SHM.Enabled = true
			cfg.SHM.Name = *shmName
			cfg.SHM.Capacity = *shmCapacity

		case "nats":
			fs := flag.NewFlagSet("nats", flag.ContinueOnError)
			natsURL := fs.String("url", cfg.NATS.URL, "NATS server URL")
			natsPrefix := fs.String("subject-prefix", cfg.NATS.SubjectPrefix, "NATS subject prefix")
			if err := fs.Parse(group); err != nil {
				return err
			}
			cfg.NATS.Enabled = true
			cfg.NATS.URL = *natsURL
			cfg.NATS.SubjectPrefix = *natsPrefix
		}
	}
	return nil
}

// splitSinkGroups partitions a flat arg list on the "tcp"/"shm"/"nats"
// tokens, e.g. ["tcp", "-port", "9001", "shm", "-name", "x"] becomes
// {"tcp": ["-port", "9001"], "shm": ["-name", "x"]}.
func splitSinkGroups(args []string) map[string][]string {
	groups := make(map[string][]string)
	current := ""
	for _, a := range args {
		switch a {
		case "tcp", "shm", "nats":
			current = a
			if _, ok := groups[current]; !ok {
				groups[current] = nil
			}
		default:
			if current != "" {
				groups[current] = append(groups[current], a)
			}
		}
	}
	return groups
}

func bootstrapHeader(ctx context.Context, cfg *config.Config) (*wire.Header, error) {
	client := restbootstrap.New(cfg.Exchange.RESTBaseURL)
	prices, quantities, err := client.FetchAll(ctx, cfg.Assets)
	if err != nil {
		return nil, err
	}
	return wire.NewHeader(cfg.Assets, time.Now().UnixMilli(), prices, quantities)
}

// activeSinks holds whichever transports the configuration enabled.
type activeSinks struct {
	tcp  *fanout.Hub
	shm  *shmring.Ring
	nats *natssink.Sink
}

func startSinks(cfg *config.Config, headerBytes []byte) (*activeSinks, func(), error) {
	sinks := &activeSinks{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.TCP.Enabled {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("tcp listen: %w", err)
		}
		hub := fanout.New(headerBytes)
		go hub.Serve(ln)
		closers = append(closers, func() { ln.Close() })
		sinks.tcp = hub
		log.Printf("forwarder: TCP fanout listening on %s", ln.Addr())
	}

	if cfg.SHM.Enabled {
		ring, err := shmring.Create(shmPath(cfg.SHM.Name), cfg.SHM.Capacity)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("shm create: %w", err)
		}
		if err := ring.Push(headerBytes); err != nil {
			ring.Close()
			cleanup()
			return nil, nil, fmt.Errorf("shm write header: %w", err)
		}
		closers = append(closers, func() { ring.Close() })
		sinks.shm = ring
		log.Printf("forwarder: SHM ring at %s (%d bytes)", shmPath(cfg.SHM.Name), cfg.SHM.Capacity)
	}

	if cfg.NATS.Enabled {
		sink, err := natssink.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		if err := sink.PublishHeader(headerBytes); err != nil {
			sink.Close()
			cleanup()
			return nil, nil, fmt.Errorf("nats publish header: %w", err)
		}
		closers = append(closers, func() { sink.Close() })
		sinks.nats = sink
		log.Printf("forwarder: NATS sink publishing under %q", cfg.NATS.SubjectPrefix)
	}

	return sinks, cleanup, nil
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

// runSinkLoop drains the pipeline, pushing each trade into every enabled
// sink, until ctx is canceled. The pipeline channel is never closed, so
// cancellation is the loop's only exit.
func runSinkLoop(ctx context.Context, header *wire.Header, pipe *pipeline.Channel, sinks *activeSinks) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-pipe.Recv():
			buf, err := wire.EncodeTrade(nil, header, trade)
			if err != nil {
				log.Printf("forwarder: encode trade: %v", err)
				continue
			}

			if sinks.tcp != nil {
				sinks.tcp.Broadcast(buf)
			}
			if sinks.shm != nil {
				if err := sinks.shm.Push(buf); err != nil && err != shmring.ErrWouldBlock {
					log.Printf("forwarder: shm push: %v", err)
				}
			}
			if sinks.nats != nil {
				if err := sinks.nats.PublishTrade(trade.Symbol, buf); err != nil {
					log.Printf("forwarder: nats publish: %v", err)
				}
			}
		}
	}
}
