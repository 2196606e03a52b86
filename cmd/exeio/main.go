// Command exeio is the supervisor's daemon and CLI: a cobra root wiring a
// serve subcommand (the daemon) alongside thin client subcommands that talk
// to a running daemon over pkg/client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// clientFlags are the connection flags shared by every thin client
// subcommand.
type clientFlags struct {
	baseURL string
	apiKey  string
	timeout string

	tlsEnabled bool
	tlsCACert  string
	tlsCert    string
	tlsKey     string
	tlsServer  string
	insecure   bool
}

func buildRoot() *cobra.Command {
	cf := &clientFlags{}
	serveFlags := &serveFlagsT{}

	root := &cobra.Command{
		Use:   "exeio",
		Short: "Process supervisor with an HTTP control plane",
		Long: `exeio supervises long-running and periodic child processes, exposing
an HTTP control plane for adding, restarting, stopping, and inspecting them.

Examples:
  exeio serve --host 127.0.0.1 --port 8080
  exeio add --file entry.json --base-url http://127.0.0.1:8080 --api-key $KEY
  exeio list --api-key $KEY`,
	}

	root.PersistentFlags().StringVar(&cf.baseURL, "base-url", "http://127.0.0.1:8080", "control plane base URL")
	root.PersistentFlags().StringVar(&cf.apiKey, "api-key", os.Getenv("EXEIO_API_KEY"), "control plane api key")
	root.PersistentFlags().StringVar(&cf.timeout, "timeout", "10s", "client request timeout")
	root.PersistentFlags().BoolVar(&cf.tlsEnabled, "tls", false, "connect to base-url over TLS with a custom trust root or client certificate")
	root.PersistentFlags().StringVar(&cf.tlsCACert, "ca-cert", "", "PEM-encoded CA certificate to trust, in addition to the system roots")
	root.PersistentFlags().StringVar(&cf.tlsCert, "client-cert", "", "PEM-encoded client certificate for mutual TLS")
	root.PersistentFlags().StringVar(&cf.tlsKey, "client-key", "", "PEM-encoded client key for mutual TLS")
	root.PersistentFlags().StringVar(&cf.tlsServer, "tls-server-name", "", "server name to verify the control plane's certificate against")
	root.PersistentFlags().BoolVar(&cf.insecure, "insecure", false, "skip TLS certificate verification")

	root.AddCommand(
		createServeCommand(serveFlags),
		createAddCommand(cf),
		createListCommand(cf),
		createStopCommand(cf),
		createRestartCommand(cf),
		createRemoveCommand(cf),
		createLogsCommand(cf),
		createInputCommand(cf),
		createClearLogCommand(cf),
		createRestartAllCommand(cf),
		createStopAllCommand(cf),
		createShutdownCommand(cf),
		createInfoCommand(cf),
	)
	return root
}
