package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/shlex"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/pkg/cache"
	"github.com/flowrelay/ewelink-command/pkg/cli"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
	"github.com/flowrelay/ewelink-command/pkg/flow"
	"github.com/flowrelay/ewelink-command/pkg/node"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

var ErrUnknownCommand = errors.New("unknown command")

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
Reads the current state of a device through the eWeLink cloud and prints it as JSON.

If -device-id is set, it is used for every request and DEVICE_ID arguments are ignored. If neither
is available, the cloud is still queried but nothing is printed.

Without a DEVICE_ID, reads commands from standard input:

  state [DEVICE_ID]   Read device state.
  save-password       Store the account password in the system keyring.
  help                Show this message.
  exit                Quit.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [DEVICE_ID]\n", os.Args[0])
	fmt.Println(usage)
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
}

// shell feeds device ids to a single command node.
type shell struct {
	config  *cli.Config
	node    *node.CommandNode
	sink    flow.Sink
	timeout time.Duration
	out     io.Writer
}

func (s *shell) readState(deviceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var payload interface{}
	if deviceID != "" {
		payload = deviceID
	}
	outcome, err := s.node.Process(ctx, node.Message{Payload: payload})
	if err != nil {
		return err
	}
	if outcome.Emitted {
		s.sink.Send(s.node.Name(), outcome.Message)
	} else {
		log.Info("No device id available; result discarded")
	}
	return nil
}

func (s *shell) execute(args []string) error {
	switch args[0] {
	case "state":
		if len(args) > 2 {
			return fmt.Errorf("state takes at most one DEVICE_ID")
		}
		deviceID := ""
		if len(args) == 2 {
			deviceID = args[1]
		}
		return s.readState(deviceID)
	case "save-password":
		creds, err := s.config.Credentials()
		if err != nil {
			return err
		}
		return s.config.SavePassword(creds.Password)
	case "help":
		fmt.Fprintln(s.out, usage)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
}

func (s *shell) runCommand(args []string) int {
	if err := s.execute(args); err != nil {
		if protocol.Temporary(err) {
			writeErr("Temporary failure, try again: %s", err)
		} else if protocol.IsAuthError(err) {
			writeErr("The cloud rejected the account credentials: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func (s *shell) run(in io.Reader) int {
	scanner := bufio.NewScanner(in)
	for fmt.Fprintf(s.out, "> "); scanner.Scan(); fmt.Fprintf(s.out, "> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		s.runCommand(args)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&commandTimeout, "command-timeout", 10*time.Second, "Set timeout for each state request.")
	flag.DurationVar(&connTimeout, "connect-timeout", 20*time.Second, "Set timeout for logging in.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("EWELINK_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelWarning)
	}
	config.ReadFromEnvironment()

	if flag.NArg() > 1 {
		Usage()
		return
	}

	def, err := config.Flow()
	if err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}
	def.ConnectTimeout = connTimeout

	sink := flow.NewWriterSink(os.Stdout)
	runtime, err := flow.NewRuntime(def, cache.FromClient(ewelink.NewClient("ewelink-state")), sink)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}
	defer runtime.Close()

	n, _ := runtime.Node(config.NodeName())
	s := &shell{
		config:  config,
		node:    n,
		sink:    sink,
		timeout: commandTimeout,
		out:     os.Stdout,
	}
	if flag.NArg() == 1 {
		status = s.runCommand([]string{"state", flag.Arg(0)})
	} else {
		status = s.run(os.Stdin)
	}
}
