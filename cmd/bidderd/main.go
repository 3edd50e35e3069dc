package main

import (
	"encoding/json"
	_ "net/http/pprof"

	"github.com/gavelhq/gavel-core/cmd/auctiond/client"
	"github.com/gavelhq/gavel-core/cmd/bidderd/httpapi"
	"github.com/gavelhq/gavel-core/cmd/bidderd/service"
	"github.com/gavelhq/gavel-core/cmd/common"
	"github.com/gavelhq/gavel-core/msgbroker/gpubsub"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	badger "github.com/textileio/go-ds-badger3"
	logging "github.com/textileio/go-log/v2"
)

var (
	daemonName = "bidderd"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8081", Description: "HTTP API listen address"},
		{Name: "auctiond-addr", DefValue: "http://127.0.0.1:8080", Description: "auctiond API address"},
		{Name: "bidder-name", DefValue: "Anonymous", Description: "Name attached to submitted bids"},
		{Name: "bid-timeout", DefValue: "10s", Description: "Max wait for a bid outcome before it resolves as unknown"},
		{Name: "datastore-dir", DefValue: "${HOME}/.bidderd/datastore", Description: "Bid journal directory"},
		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "msgbroker-topic-prefix", DefValue: "", Description: "Topic prefix to use for msg broker topics"},
		{Name: "metrics-addr", DefValue: ":9091", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "BIDDER", flags, rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "bidderd watches auctions and submits bids optimistically",
	Long:  "bidderd watches auctions and submits bids optimistically",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, nil)
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(v.AllSettings(), "", "  ")
		common.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		if err := common.SetupInstrumentation(v.GetString("metrics-addr")); err != nil {
			log.Fatalf("booting instrumentation: %s", err)
		}

		store, err := client.New(v.GetString("auctiond-addr"))
		common.CheckErrf("creating auctiond client: %s", err)

		projectID := v.GetString("gpubsub-project-id")
		apiKey := v.GetString("gpubsub-api-key")
		topicPrefix := v.GetString("msgbroker-topic-prefix")
		mb, err := gpubsub.New(projectID, apiKey, topicPrefix, "bidderd")
		common.CheckErrf("creating google pubsub client: %s", err)

		dstore, err := badger.NewDatastore(v.GetString("datastore-dir"), &badger.DefaultOptions)
		common.CheckErrf("creating datastore: %s", err)

		config := service.Config{
			BidderName: v.GetString("bidder-name"),
			BidTimeout: v.GetDuration("bid-timeout"),
			Datastore:  dstore,
		}
		serv, err := service.New(store, mb, config)
		common.CheckErr(err)

		httpServer, err := httpapi.NewServer(v.GetString("http-addr"), serv)
		common.CheckErrf("creating http server: %s", err)

		common.HandleInterrupt(func() {
			if err := httpServer.Close(); err != nil {
				log.Errorf("closing http server: %s", err)
			}
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
			if err := mb.Close(); err != nil {
				log.Errorf("closing message broker: %s", err)
			}
			if err := dstore.Close(); err != nil {
				log.Errorf("closing datastore: %s", err)
			}
		})
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
