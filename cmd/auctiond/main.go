package main

import (
	"encoding/json"
	_ "net/http/pprof"

	"github.com/gavelhq/gavel-core/cmd/auctiond/service"
	"github.com/gavelhq/gavel-core/cmd/common"
	"github.com/gavelhq/gavel-core/msgbroker/gpubsub"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	logging "github.com/textileio/go-log/v2"
)

var (
	daemonName = "auctiond"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8080", Description: "HTTP API listen address"},
		{Name: "postgres-uri", DefValue: "", Description: "PostgreSQL URI"},
		{Name: "daemon-frequency", DefValue: "20s", Description: "Frequency of the expired-auction sweep"},
		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "msgbroker-topic-prefix", DefValue: "", Description: "Topic prefix to use for msg broker topics"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "AUCTION", flags, rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "auctiond is the authoritative auction store with realtime bid events",
	Long:  "auctiond is the authoritative auction store with realtime bid events",
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

		projectID := v.GetString("gpubsub-project-id")
		apiKey := v.GetString("gpubsub-api-key")
		topicPrefix := v.GetString("msgbroker-topic-prefix")
		mb, err := gpubsub.New(projectID, apiKey, topicPrefix, "auctiond")
		common.CheckErrf("creating google pubsub client: %s", err)

		config := service.Config{
			PostgresURI:     v.GetString("postgres-uri"),
			HTTPListenAddr:  v.GetString("http-addr"),
			DaemonFrequency: v.GetDuration("daemon-frequency"),
		}
		serv, err := service.New(mb, config)
		common.CheckErr(err)

		common.HandleInterrupt(func() {
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
			if err := mb.Close(); err != nil {
				log.Errorf("closing message broker: %s", err)
			}
		})
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
