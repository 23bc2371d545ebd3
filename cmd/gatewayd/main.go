/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/rapidloop/gatewayd"
)

var (
	flagset  = pflag.NewFlagSet("", pflag.ContinueOnError)
	fversion = flagset.BoolP("version", "v", false, "show version and exit")
	fcheck   = flagset.BoolP("check", "c", false, "only check if the config file is valid")
	flog     = flagset.StringP("logtype", "l", "text", "print logs in 'text' (default) or 'json' format")
	fnocolor = flagset.Bool("no-color", false, "do not colorize log output")
	fyaml    = flagset.BoolP("yaml", "y", false, "config-file is in YAML format")
	fwatch   = flagset.BoolP("watch", "w", false, "watch config-file and hot-reload on change")
)

var version string // set during build

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: gatewayd [options] config-file
gatewayd turns a declarative configuration of parameterized SQL routes and
reverse-proxy targets into a live REST API.

Options:
`)
	flagset.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	flagset.Usage = usage
	if err := flagset.Parse(os.Args[1:]); err == pflag.ErrHelp {
		return
	} else if err != nil || (!*fversion && flagset.NArg() != 1) || (*flog != "text" && *flog != "json") {
		usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	if *fversion {
		fmt.Printf("gatewayd v%s\n", version)
		return
	}
	os.Exit(realmain())
}

func loadConfig(path string) (*gatewayd.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	var config gatewayd.Config
	if *fyaml {
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}
	return &config, nil
}

func realmain() int {
	path := flagset.Arg(0)
	config, err := loadConfig(path)
	if err != nil {
		log.Printf("gatewayd: %v", err)
		return 1
	}

	if *fcheck { // if only check was requested, check, print and exit
		var w, e int
		for _, r := range config.Validate() {
			if r.Warn {
				fmt.Print("warning: ")
				w++
			} else {
				fmt.Print("error: ")
				e++
			}
			fmt.Println(r.Message)
		}
		if w > 0 || e > 0 {
			fmt.Printf("\n%s: %d error(s), %d warning(s)\n", path, e, w)
		}
		if e > 0 {
			return 2
		}
		return 0
	}

	// start the server
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	var logger zerolog.Logger
	if *flog == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.999",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()) || *fnocolor,
		}
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	rt := gatewayd.Runtime{
		Logger:       &logger,
		ReportMetric: reportMetric,
	}
	gw, err := gatewayd.NewGateway(config, &rt)
	if err != nil {
		log.Printf("gatewayd: failed to create gateway: %v", err)
		return 1
	}
	if err := gw.Start(); err != nil {
		log.Printf("gatewayd: failed to start gateway: %v", err)
		return 1
	}

	if *fwatch {
		w, err := gw.WatchConfig([]string{path}, func() (*gatewayd.Config, error) {
			return loadConfig(path)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to start config watcher, continuing without hot-reload")
		} else {
			defer w.Close()
		}
	}

	// wait for ^C
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	signal.Stop(ch)
	close(ch)

	// stop the server
	if err := gw.Stop(time.Minute); err != nil {
		log.Printf("gatewayd: warning: failed to stop gateway: %v", err)
	}

	return 0
}

// reportMetric is the metrics hook handed to the gateway; it discards every
// metric. A production deployment would wire this to its own metrics
// backend instead.
func reportMetric(name string, labels []string, value float64) {
	_ = name
	_ = labels
	_ = value
}
