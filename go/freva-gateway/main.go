// freva-gateway is the multi-command binary of the service: the HTTP
// API server and the data-loading worker.
package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "gateway", "Serve the HTTP API", `
Serve the freva gateway HTTP API: facet search, zarr streaming,
sharing, user data ingest and the STAC API, until signaled to exit
(via SIGTERM).
`, &cmdGateway{})

	addCmd(parser, "worker", "Run a data-loading worker", `
Run a data-loading worker: subscribe to the coordination channel,
open datasets and encode zarr chunks into the cache, until signaled
to exit (via SIGTERM).
`, &cmdWorker{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Stdout.WriteString(flagsErr.Message)
			os.Exit(0)
		}
		log.WithField("err", err).Fatal("exiting")
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		log.WithField("err", err).Fatal("failed to add command")
	}
	return cmd
}

// initLog applies the shared logging options.
func initLog(level string) {
	var lvl, err = log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.JSONFormatter{})
}

// logConfig is the logging option group shared by both commands.
type logConfig struct {
	Level string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
}

// redisConfig is the cache option group shared by both commands.
type redisConfig struct {
	Host     string `long:"redis-host" env:"API_REDIS_HOST" default:"localhost" description:"Redis host"`
	Port     int    `long:"redis-port" env:"API_REDIS_PORT" default:"6379" description:"Redis port"`
	User     string `long:"redis-user" env:"API_REDIS_USER" description:"Redis user name"`
	Password string `long:"redis-pass" env:"API_REDIS_PASS" description:"Redis password"`
	CertFile string `long:"redis-cert" env:"API_REDIS_SSL_CERTFILE" description:"Redis TLS certificate file; TLS is enabled when set"`
	KeyFile  string `long:"redis-key" env:"API_REDIS_SSL_KEYFILE" description:"Redis TLS private key file"`
	CacheExp int    `long:"cache-exp" env:"API_CACHE_EXP" default:"3600" description:"Cache entry lifetime in seconds"`
}
