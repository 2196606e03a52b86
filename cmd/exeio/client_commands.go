package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"exeio/internal/process"
	"exeio/pkg/client"
)

func newClient(cf *clientFlags) *client.Client {
	timeout, err := time.ParseDuration(cf.timeout)
	if err != nil {
		timeout = 10 * time.Second
	}
	var tlsCfg *client.TLSClientConfig
	if cf.tlsEnabled {
		tlsCfg = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     cf.tlsCACert,
			ClientCert: cf.tlsCert,
			ClientKey:  cf.tlsKey,
			ServerName: cf.tlsServer,
		}
	}
	return client.New(client.Config{
		BaseURL:  cf.baseURL,
		APIKey:   cf.apiKey,
		Timeout:  timeout,
		TLS:      tlsCfg,
		Insecure: cf.insecure,
	})
}

func createAddCommand(cf *clientFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add and start a managed entry from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var e process.Entry
			if err := json.Unmarshal(b, &e); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			snap, err := newClient(cf).Add(context.Background(), e)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON-encoded entry")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func createListCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all managed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newClient(cf).List(context.Background())
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func createStopCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a managed entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).Stop(context.Background(), args[0])
		},
	}
}

func createRestartCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a managed entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).Restart(context.Background(), args[0])
		},
	}
}

func createRemoveCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop and remove a managed entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).Remove(context.Background(), args[0])
		},
	}
}

func createLogsCommand(cf *clientFlags) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Read a page of an entry's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(cf).Logs(context.Background(), args[0], page, pageSize)
			if err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1-based")
	cmd.Flags().IntVar(&pageSize, "page-size", 100, "lines per page")
	return cmd
}

func createInputCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "input <id> <text>",
		Short: "Send a line of input to a running entry's stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).Input(context.Background(), args[0], args[1])
		},
	}
}

func createClearLogCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-log <id>",
		Short: "Truncate a managed entry's log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).ClearLog(context.Background(), args[0])
		},
	}
}

func createRestartAllCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart-all",
		Short: "Restart every managed entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			outs, err := newClient(cf).RestartAll(context.Background())
			if err != nil {
				return err
			}
			return printJSON(outs)
		},
	}
}

func createStopAllCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every managed entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			outs, err := newClient(cf).StopAll(context.Background())
			if err != nil {
				return err
			}
			return printJSON(outs)
		},
	}
}

func createShutdownCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every entry and shut the daemon down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cf).Shutdown(context.Background())
		},
	}
}

func createInfoCommand(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show daemon version, start time, and bind address",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient(cf).Info(context.Background())
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
