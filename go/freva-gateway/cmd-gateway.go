package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/freva-org/freva-gateway/go/auth"
	"github.com/freva-org/freva-gateway/go/cache"
	"github.com/freva-org/freva-gateway/go/docstore"
	"github.com/freva-org/freva-gateway/go/gateway"
	"github.com/freva-org/freva-gateway/go/search"
	"github.com/freva-org/freva-gateway/go/translate"
)

type cmdGateway struct {
	Port     int    `long:"port" env:"API_PORT" default:"7777" description:"Port the HTTP API listens on"`
	BaseURL  string `long:"url" env:"API_URL" default:"http://localhost:7777" description:"Externally reachable base URL of the service"`
	Services string `long:"services" env:"API_SERVICES" default:"databrowser,zarr-stream,stacapi" description:"Comma separated list of enabled services"`
	DevMode  bool   `long:"dev" env:"API_DEV_MODE" description:"Development mode"`

	SearchBackend string `long:"search-backend" env:"API_SEARCH_BACKEND" default:"solr" choice:"solr" choice:"rdbms" choice:"search-engine" description:"Metadata index implementation"`
	SolrHost      string `long:"solr-host" env:"API_SOLR_HOST" default:"localhost" description:"Apache Solr host"`
	SolrPort      int    `long:"solr-port" env:"API_SOLR_PORT" default:"8983" description:"Apache Solr port"`
	SolrCore      string `long:"solr-core" env:"API_SOLR_CORE" default:"files" description:"Solr core holding all dataset versions"`
	PGDSN         string `long:"pg-dsn" env:"API_PG_DSN" description:"PostgreSQL DSN of the rdbms backend"`

	MongoHost     string `long:"mongo-host" env:"API_MONGO_HOST" default:"localhost:27017" description:"MongoDB host"`
	MongoUser     string `long:"mongo-user" env:"API_MONGO_USER" description:"MongoDB user name"`
	MongoPassword string `long:"mongo-password" env:"API_MONGO_PASSWORD" description:"MongoDB password"`
	MongoDB       string `long:"mongo-db" env:"API_MONGO_DB" default:"search_stats" description:"MongoDB database name"`

	OIDCDiscoveryURL string `long:"oidc-discovery-url" env:"API_OIDC_DISCOVERY_URL" description:"OpenID Connect discovery document URL"`
	OIDCClientID     string `long:"oidc-client-id" env:"API_OIDC_CLIENT_ID" default:"freva" description:"OIDC client id"`
	OIDCClientSecret string `long:"oidc-client-secret" env:"API_OIDC_CLIENT_SECRET" description:"OIDC client secret"`
	OIDCTokenClaims  string `long:"oidc-token-claims" env:"API_OIDC_TOKEN_CLAIMS" description:"Required token claims as path:pattern pairs, comma separated"`
	AdminUsers       string `long:"admin-users" env:"API_ADMIN_USERS" description:"Comma separated user names which may manage global resources"`

	Redis redisConfig `group:"Cache"`
	Log   logConfig   `group:"Logging"`
}

func (cmd cmdGateway) Execute(_ []string) error {
	initLog(cmd.Log.Level)
	var ctx, stop = signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var backend search.Backend
	var ingester search.Ingester
	var err error
	switch cmd.SearchBackend {
	case "solr":
		var solr = search.NewSolr(cmd.SolrHost, cmd.SolrPort, cmd.SolrCore, "latest")
		backend, ingester = solr, solr
	case "rdbms":
		if backend, err = search.NewRDBMS(ctx, cmd.PGDSN, ""); err != nil {
			return err
		}
	case "search-engine":
		backend = search.NewSearchEngine(cmd.SolrHost, cmd.SolrPort, cmd.SolrCore)
	}

	var docs *docstore.Store
	if docs, err = docstore.New(ctx, docstore.Config{
		Host:     cmd.MongoHost,
		User:     cmd.MongoUser,
		Password: cmd.MongoPassword,
		DB:       cmd.MongoDB,
	}); err != nil {
		return err
	}
	defer docs.Close(context.Background())

	var broker = cache.New(cache.Config{
		Host:     cmd.Redis.Host,
		Port:     cmd.Redis.Port,
		User:     cmd.Redis.User,
		Password: cmd.Redis.Password,
		CertFile: cmd.Redis.CertFile,
		KeyFile:  cmd.Redis.KeyFile,
		Exp:      time.Duration(cmd.Redis.CacheExp) * time.Second,
	})
	defer broker.Close()
	if err = broker.Ping(ctx); err != nil {
		log.WithField("err", err).Warn("cache is unreachable, zarr streaming degraded")
	}

	var verifier = auth.New(auth.Config{
		DiscoveryURL: cmd.OIDCDiscoveryURL,
		ClientID:     cmd.OIDCClientID,
		ClientSecret: cmd.OIDCClientSecret,
		Claims:       parseClaims(cmd.OIDCTokenClaims),
		AdminUsers:   splitList(cmd.AdminUsers),
	})

	var services = map[string]bool{}
	for _, svc := range splitList(cmd.Services) {
		services[svc] = true
	}
	var server = gateway.NewServer(gateway.Config{
		BaseURL:  strings.TrimRight(cmd.BaseURL, "/"),
		Services: services,
		DevMode:  cmd.DevMode,
	}, backend, ingester, translate.NewResolver(docs), broker, docs,
		verifier, auth.NewSigner(cmd.Redis.Password))

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cmd.Port),
		Handler: server.Router(),
	}
	var group, gctx = errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithFields(log.Fields{
			"port":     cmd.Port,
			"backend":  cmd.SearchBackend,
			"services": cmd.Services,
		}).Info("gateway started")
		if serr := srv.ListenAndServe(); serr != http.ErrServerClosed {
			return serr
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// parseClaims parses `path:pattern,...` claim requirements.
func parseClaims(raw string) map[string]string {
	var out = map[string]string{}
	for _, pair := range splitList(raw) {
		if path, pattern, ok := strings.Cut(pair, ":"); ok {
			out[strings.TrimSpace(path)] = strings.TrimSpace(pattern)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
