/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/cakekindel/mergebot/config"
	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/executor"
	"github.com/cakekindel/mergebot/git"
	"github.com/cakekindel/mergebot/hooks"
	"github.com/cakekindel/mergebot/jobs"
	"github.com/cakekindel/mergebot/logrusutil"
	"github.com/cakekindel/mergebot/server"
	"github.com/cakekindel/mergebot/slack"
)

type options struct {
	configPath        string
	listenAddress     string
	metricsPort       int
	deployablesPath   string
	tokenRegistryPath string
}

func gatherOptions() options {
	o := options{}
	flag.StringVar(&o.configPath, "config-path", "", "Path to the service config YAML. If empty, defaults apply.")
	flag.StringVar(&o.listenAddress, "listen-address", "", "host:port for the HTTP API. Overrides the config value.")
	flag.IntVar(&o.metricsPort, "metrics-port", 0, "Port to serve prometheus metrics on. Overrides the config value.")
	flag.StringVar(&o.deployablesPath, "deployables", "", "Path to the deployables catalog. Overrides the config value.")
	flag.StringVar(&o.tokenRegistryPath, "token-registry", "", "Path to the OAuth token registry. Overrides the config value.")
	flag.Parse()
	return o
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		logrus.Fatalf("%s required", key)
	}
	return v
}

func main() {
	o := gatherOptions()

	// A local .env is optional; deployed environments set real variables.
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("Not loading a .env file.")
	}

	slackToken := requireEnv("SLACK_API_TOKEN")
	signingSecret := requireEnv("SLACK_SIGNING_SECRET")
	apiKey := requireEnv("API_KEY")
	clientID := os.Getenv("SLACK_CLIENT_ID")
	clientSecret := os.Getenv("SLACK_CLIENT_SECRET")

	secrets := sets.NewString(slackToken, signingSecret, apiKey, clientSecret)
	logrus.SetFormatter(logrusutil.NewCensoringFormatter(
		logrusutil.NewDefaultFieldsFormatter(nil, logrus.Fields{"component": "mergebot"}),
		func() sets.String { return secrets },
	))

	configAgent := &config.Agent{}
	if o.configPath == "" {
		c, err := config.Load("")
		if err != nil {
			logrus.WithError(err).Fatal("Error building default config.")
		}
		configAgent.Set(c)
	} else if err := configAgent.Start(o.configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := configAgent.Config()

	listenAddress := cfg.ListenAddress
	if o.listenAddress != "" {
		listenAddress = o.listenAddress
	}
	metricsPort := cfg.MetricsPort
	if o.metricsPort != 0 {
		metricsPort = o.metricsPort
	}
	deployablesPath := cfg.DeployablesPath
	if o.deployablesPath != "" {
		deployablesPath = o.deployablesPath
	}
	tokenRegistryPath := cfg.TokenRegistryPath
	if o.tokenRegistryPath != "" {
		tokenRegistryPath = o.tokenRegistryPath
	}
	workdir := os.Getenv("GIT_WORKDIR")
	if workdir == "" {
		workdir = cfg.GitWorkdir
	}
	if workdir == "" {
		logrus.Fatal("GIT_WORKDIR required")
	}

	gitClient, err := git.NewClient(workdir)
	if err != nil {
		logrus.WithError(err).Fatal("Error getting git client.")
	}

	retrying := retryablehttp.NewClient()
	retrying.Logger = nil
	httpClient := retrying.StandardClient()
	chat := slack.NewClient(slackapi.New(slackToken, slackapi.OptionHTTPClient(httpClient)))

	store := jobs.NewStore()
	ready := make(chan struct{})
	exec := executor.New(store, executor.NewGitGateway(gitClient), ready)
	hooks.New(chat, exec).RegisterAll(store)
	// Every hook is attached; let the worker see scheduled jobs.
	close(ready)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	registry := slack.NewTokenRegistry(tokenRegistryPath)
	var exchange server.ExchangeFunc
	if clientID != "" && clientSecret != "" {
		exchange = func(code string) (slack.Token, error) {
			return slack.ExchangeCode(httpClient, registry, clientID, clientSecret, code, configAgent.Config().RedirectURI)
		}
	}

	srv := &server.Server{
		Logger:        logrus.WithField("component", "server"),
		Store:         store,
		Reader:        deploy.FileReader{Path: deployablesPath},
		Groups:        chat,
		SigningSecret: signingSecret,
		APIKey:        apiKey,
		Exchange:      exchange,
	}

	httpServer := &http.Server{Addr: listenAddress, Handler: srv.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("ListenAndServe returned.")
		}
	}()
	// serve prometheus metrics.
	go serve(metricsPort)

	logrus.WithField("address", listenAddress).Info("mergebot is up.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logrus.Info("mergebot is shutting down...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Shutdown did not finish cleanly.")
	}
}

// serve starts a http server and serves prometheus metrics.
// Meant to be called inside a goroutine.
func serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logrus.WithError(http.ListenAndServe(":"+strconv.Itoa(port), mux)).Fatal("ListenAndServe returned.")
}
