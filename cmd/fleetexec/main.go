// fleetexec runs one action against every target in an inventory and prints
// the results as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/fleetexec/pkg/executor"
	"github.com/opsforge/fleetexec/pkg/inventory"
	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/persistence"
	"github.com/opsforge/fleetexec/pkg/publish"
	"github.com/opsforge/fleetexec/pkg/task"
	"github.com/opsforge/fleetexec/pkg/transport"
)

const serviceName = "fleetexec"

type flags struct {
	inventory   string
	command     string
	script      string
	scriptArgs  string
	taskPath    string
	taskParams  string
	uploadSrc   string
	uploadDst   string
	downloadSrc string
	downloadDst string
	message     string

	concurrency int
	timeout     time.Duration
	failFast    bool

	output  string
	brokers string
	topic   string

	debug  bool
	format string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.inventory, "inventory", "inventory.yaml", "inventory file")
	flag.StringVar(&f.command, "command", "", "command to run")
	flag.StringVar(&f.script, "script", "", "local script to upload and run")
	flag.StringVar(&f.scriptArgs, "script-args", "", "space-separated script arguments")
	flag.StringVar(&f.taskPath, "task", "", "task descriptor file to run")
	flag.StringVar(&f.taskParams, "params", "", "task parameters as a JSON object")
	flag.StringVar(&f.uploadSrc, "upload", "", "local file to upload")
	flag.StringVar(&f.uploadDst, "upload-to", "", "remote destination for -upload")
	flag.StringVar(&f.downloadSrc, "download", "", "remote file to download")
	flag.StringVar(&f.downloadDst, "download-to", "", "local destination for -download")
	flag.StringVar(&f.message, "message", "", "emit a message result without contacting targets")
	flag.IntVar(&f.concurrency, "concurrency", 10, "maximum simultaneously open connections")
	flag.DurationVar(&f.timeout, "timeout", 5*time.Minute, "dispatch timeout")
	flag.BoolVar(&f.failFast, "fail-fast", false, "cancel remaining work on first failure")
	flag.StringVar(&f.output, "output", "", "write results to this file as JSON")
	flag.StringVar(&f.brokers, "kafka-brokers", "", "publish results to these Kafka brokers")
	flag.StringVar(&f.topic, "kafka-topic", "fleetexec-results", "Kafka topic for published results")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logging")
	flag.StringVar(&f.format, "log-format", "json", "json or console")
	flag.Parse()
	return f
}

func buildAction(f *flags) (executor.Action, error) {
	switch {
	case f.command != "":
		return executor.Command{Command: f.command}, nil
	case f.script != "":
		var args []string
		if f.scriptArgs != "" {
			args = strings.Fields(f.scriptArgs)
		}
		return executor.Script{Path: f.script, Args: args}, nil
	case f.taskPath != "":
		tk, err := task.Load(f.taskPath)
		if err != nil {
			return nil, err
		}
		params := map[string]any{}
		if f.taskParams != "" {
			if err := json.Unmarshal([]byte(f.taskParams), &params); err != nil {
				return nil, fmt.Errorf("bad -params: %w", err)
			}
		}
		return executor.Task{Task: tk, Params: params}, nil
	case f.uploadSrc != "":
		if f.uploadDst == "" {
			return nil, fmt.Errorf("-upload requires -upload-to")
		}
		return executor.Upload{Source: f.uploadSrc, Destination: f.uploadDst}, nil
	case f.downloadSrc != "":
		if f.downloadDst == "" {
			return nil, fmt.Errorf("-download requires -download-to")
		}
		return executor.Download{Source: f.downloadSrc, Destination: f.downloadDst}, nil
	case f.message != "":
		return executor.Message{Text: f.message}, nil
	}
	return nil, fmt.Errorf("one of -command, -script, -task, -upload, -download or -message is required")
}

func main() {
	f := parseFlags()
	logger := lg.New(&lg.Config{ServiceName: serviceName, Debug: f.debug, Format: f.format})
	defer logger.Sync()

	act, err := buildAction(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	targets, err := inventory.Load(inventory.NewFileStore(f.inventory))
	if err != nil {
		logger.Error("failed to load inventory", lg.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	registry := transport.DefaultRegistry(transport.DefaultConfig(), logger)
	exec := executor.New(registry, logger)

	set, err := exec.Dispatch(ctx, targets, act, executor.Options{
		Concurrency: f.concurrency,
		Timeout:     f.timeout,
		FailFast:    f.failFast,
	})
	if err != nil {
		logger.Error("dispatch failed", lg.Err(err))
		os.Exit(1)
	}

	data, err := set.ToData()
	if err != nil {
		logger.Error("results are structurally corrupt", lg.Err(err))
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(data, "", "    ")
	fmt.Println(string(out))

	if f.output != "" {
		serializer := persistence.JSONSerializer{Indent: "    "}
		writer := persistence.FileWriter{Overwrite: true}
		if err := persistence.WriteResults(set, f.output, serializer, writer); err != nil {
			logger.Error("failed to persist results", lg.Err(err))
			os.Exit(1)
		}
	}

	if f.brokers != "" {
		publisher := publish.New(publish.Config{Brokers: f.brokers, Topic: f.topic}, logger)
		defer publisher.Close()
		if err := publisher.Publish(ctx, uuid.New(), set); err != nil {
			logger.Error("failed to publish results", lg.Err(err))
			os.Exit(1)
		}
	}

	ok, failed, err := set.Counts()
	if err != nil {
		logger.Error("results are structurally corrupt", lg.Err(err))
		os.Exit(1)
	}
	logger.Info("done", lg.Int("ok", ok), lg.Int("failed", failed))
	if failed > 0 {
		os.Exit(2)
	}
}
