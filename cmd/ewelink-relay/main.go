package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/pkg/cache"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
	"github.com/flowrelay/ewelink-command/pkg/flow"
	"github.com/flowrelay/ewelink-command/pkg/proxy"
)

const (
	defaultPort     = 8080
	shutdownTimeout = 5 * time.Second
)

const (
	EnvFlow      = "EWELINK_RELAY_FLOW"
	EnvTlsCert   = "EWELINK_RELAY_TLS_CERT"
	EnvTlsKey    = "EWELINK_RELAY_TLS_KEY"
	EnvHost      = "EWELINK_RELAY_HOST"
	EnvPort      = "EWELINK_RELAY_PORT"
	EnvTimeout   = "EWELINK_RELAY_TIMEOUT"
	EnvJwtSecret = "EWELINK_RELAY_JWT_SECRET"
	EnvLogLevel  = "EWELINK_RELAY_LOG_LEVEL"
	EnvVerbose   = "EWELINK_RELAY_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface without adding client authentication (-jwt-secret).
Unauthorized clients may be used to create excessive traffic from your IP address to the eWeLink
cloud, which may respond by rate limiting or suspending your developer app.`

type RelayConfig struct {
	flowFilename string
	certFilename string
	keyFilename  string
	jwtSecret    string
	logLevel     string
	verbose      bool
	host         string
	port         int
	timeout      time.Duration
}

var (
	relayConfig = &RelayConfig{}
)

func init() {
	flag.StringVar(&relayConfig.flowFilename, "flow", "", "Flow definition `file` (YAML) listing credentials and nodes")
	flag.StringVar(&relayConfig.certFilename, "cert", "", "TLS certificate chain `file`. Serves plain HTTP if unset.")
	flag.StringVar(&relayConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.StringVar(&relayConfig.jwtSecret, "jwt-secret", "", "Require clients to present HS256 tokens signed with `secret`")
	flag.StringVar(&relayConfig.logLevel, "log-level", "", "Log `level` (none|error|warn|info|debug)")
	flag.BoolVar(&relayConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&relayConfig.host, "host", "localhost", "Relay server `hostname`")
	flag.IntVar(&relayConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.DurationVar(&relayConfig.timeout, "timeout", proxy.DefaultTimeout, "Timeout interval for each node invocation")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that exposes the command nodes of a flow over a REST API")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	if err = configureLogging(); err != nil {
		return
	}
	if relayConfig.flowFilename == "" {
		err = errors.New("a flow definition is required (-flow)")
		return
	}
	if relayConfig.host != "localhost" && relayConfig.jwtSecret == "" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	def, err := flow.LoadFile(relayConfig.flowFilename)
	if err != nil {
		return
	}

	log.Debug("Creating relay")
	client := ewelink.NewClient("ewelink-relay")
	runtime, err := flow.NewRuntime(def, cache.FromClient(client), nil)
	if err != nil {
		return
	}
	defer runtime.Close()

	p := proxy.New(runtime, []byte(relayConfig.jwtSecret))
	p.Timeout = relayConfig.timeout

	addr := fmt.Sprintf("%s:%d", relayConfig.host, relayConfig.port)
	server := &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("Listening on %s with %d nodes", addr, len(runtime.Names()))
	if relayConfig.certFilename != "" {
		err = server.ListenAndServeTLS(relayConfig.certFilename, relayConfig.keyFilename)
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		log.Info("Server stopped")
		err = nil
	}
}

func configureLogging() error {
	if relayConfig.logLevel != "" {
		level, err := log.ParseLevel(relayConfig.logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}
	if relayConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}
	return nil
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if relayConfig.flowFilename == "" {
		relayConfig.flowFilename = os.Getenv(EnvFlow)
	}

	if relayConfig.certFilename == "" {
		relayConfig.certFilename = os.Getenv(EnvTlsCert)
	}

	if relayConfig.keyFilename == "" {
		relayConfig.keyFilename = os.Getenv(EnvTlsKey)
	}

	if relayConfig.jwtSecret == "" {
		relayConfig.jwtSecret = os.Getenv(EnvJwtSecret)
	}

	if relayConfig.logLevel == "" {
		relayConfig.logLevel = os.Getenv(EnvLogLevel)
	}

	if relayConfig.host == "localhost" {
		host, ok := os.LookupEnv(EnvHost)
		if ok {
			relayConfig.host = host
		}
	}

	if !relayConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			relayConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if relayConfig.port == defaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok {
			relayConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}

	if relayConfig.timeout == proxy.DefaultTimeout {
		if timeoutEnv, ok := os.LookupEnv(EnvTimeout); ok {
			relayConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}

	return nil
}
