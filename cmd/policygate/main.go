/*
Copyright 2018-2024 Mailgun Technologies Inc

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
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mailgun/holster/v4/tracing"
	"github.com/mailgun/policygate"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("category", "policygate")
var Version = "dev-build"

func main() {
	var configFile string

	logrus.Infof("policygate %s (%s/%s)", Version, runtime.GOARCH, runtime.GOOS)
	flags := flag.NewFlagSet("policygate", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "environment config file")
	flags.BoolVar(&debug, "debug", false, "enable debug")
	checkErr(flags.Parse(os.Args[1:]), "while parsing flags")

	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()
	res, err := tracing.NewResource("policygate", Version)
	checkErr(err, "while creating tracing resource")
	err = tracing.InitTracing(ctx, "github.com/mailgun/policygate", tracing.WithResource(res))
	if err != nil {
		log.WithError(err).Warn("while initializing tracing")
	}

	var r io.Reader
	if configFile != "" {
		log.Infof("Loading env config: %s", configFile)
		fd, err := os.Open(configFile)
		checkErr(err, "while opening config file")
		defer fd.Close()
		r = fd
	}

	conf, err := policygate.SetupDaemonConfig(logrus.StandardLogger(), r)
	checkErr(err, "while getting config")

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	daemon, err := policygate.SpawnDaemon(startCtx, conf)
	cancel()
	checkErr(err, "while starting server")

	// Wait here for signals to clean up our mess
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	for range c {
		log.Info("caught signal; shutting down")
		daemon.Close()
		_ = tracing.CloseTracing(ctx)
		os.Exit(0)
	}
}

var debug = false

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
