package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openvine/divine-nostr/cfg"
	"github.com/openvine/divine-nostr/client"
	"github.com/openvine/divine-nostr/database/cache"
	"github.com/openvine/divine-nostr/relay"
)

type config struct {
	Relays     []string `yaml:"relays"`
	CachePath  string   `yaml:"cachePath"`
	PrivateKey string   `yaml:"privateKey"`
}

var (
	relayURLs  []string
	cachePath  string
	privateKey string
	configPath string

	divineNostr = &cobra.Command{
		Use:   "divine-nostr",
		Short: "publish, query and watch events on nostr relays through a local cache",
	}
)

func init() {
	divineNostr.PersistentFlags().StringSliceVar(&relayURLs, "relay", nil, "relay url, repeatable, overrides the configured relays")
	divineNostr.PersistentFlags().StringVar(&cachePath, "cache", "", "path to the sqlite event cache, empty disables caching")
	divineNostr.PersistentFlags().StringVar(&privateKey, "key", "", "hex private key used for signing, read operations work without it")
	divineNostr.PersistentFlags().StringVar(&configPath, "config", "", "path to the yaml configuration file")
	divineNostr.AddCommand(newPublishCmd(), newQueryCmd(), newCountCmd(), newWatchCmd(), newRelaysCmd())
}

// mustNewClient wires the sqlite cache, the relay connection manager and the
// protocol client into the wrapper client, flags take precedence over the
// configuration file.
func mustNewClient(ctx context.Context) *client.Client {
	cfg.MustInit(configPath)
	conf := cfg.MustGet[config]()
	if len(relayURLs) == 0 {
		relayURLs = conf.Relays
	}
	if cachePath == "" {
		cachePath = conf.CachePath
	}
	if privateKey == "" {
		privateKey = conf.PrivateKey
	}
	if len(relayURLs) == 0 {
		log.Panic("no relays given, pass --relay or configure them")
	}

	manager := relay.NewManager(relayURLs)
	if err := manager.Connect(ctx); err != nil {
		log.Printf("warn: some relays are unreachable: %v", err)
	}
	var clientOpts []relay.ClientOption
	if privateKey != "" {
		clientOpts = append(clientOpts, relay.WithPrivateKey(privateKey))
	}
	protocol, err := relay.NewClient(manager, clientOpts...)
	if err != nil {
		log.Panic(err)
	}

	var opts []client.Option
	if cachePath != "" {
		eventCache, cErr := cache.New(cachePath)
		if cErr != nil {
			log.Panic(cErr)
		}
		opts = append(opts, client.WithCache(eventCache))
	}

	return client.New(protocol, manager, opts...)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := divineNostr.ExecuteContext(ctx); err != nil {
		log.Panic(err)
	}
}
