// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the logsentry CLI: it onboards a machine through the
// device flow and inspects the stored credentials.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/logsentry/logsentry/pkg/sdk/credentials"
)

func main() {
	root := &cobra.Command{
		Use:          "logsentry",
		Short:        "logsentry command line client",
		SilenceUsage: true,
	}
	root.AddCommand(loginCommand(), statusCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loginCommand() *cobra.Command {
	var (
		serverURL   string
		appName     string
		description string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize this machine via the device flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" {
				return fmt.Errorf("--app-name is required")
			}
			if serverURL == "" {
				serverURL = os.Getenv("LOGSENTRY_URL")
			}
			if serverURL == "" {
				return fmt.Errorf("--server or LOGSENTRY_URL is required")
			}
			credPath, err := credentials.Path()
			if err != nil {
				return err
			}
			flow := &deviceFlow{
				out:      cmd.OutOrStdout(),
				server:   serverURL,
				credPath: credPath,
				timeout:  timeout,
			}
			return flow.login(cmd.Context(), appName, description)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL")
	cmd.Flags().StringVar(&appName, "app-name", "", "app to create or reuse")
	cmd.Flags().StringVar(&description, "description", "", "optional app description")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for approval")
	return cmd
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := credentials.Load()
			if err != nil {
				return fmt.Errorf("not logged in: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "app:     %s (%s)\n", creds.AppName, creds.AppID)
			fmt.Fprintf(out, "server:  %s\n", creds.DSN)
			fmt.Fprintf(out, "api key: %s\n", maskKey(creds.APIKey))
			return nil
		},
	}
}

// maskKey shows only the prefix and last four characters.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
