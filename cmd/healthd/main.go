// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// healthd is the AleutianHealth service binary.
//
//	healthd serve    API tier: upload ingress, status, listing, erasure
//	healthd worker   pipeline tier: queue consumer + retention sweep
//	healthd all      both tiers in one process (single-host deployments)
//
// Configuration comes from ~/.aleutian/healthd.yaml (created on first
// run) with environment overrides; see cmd/healthd/config.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	portFlag   int

	rootCmd = &cobra.Command{
		Use:   "healthd",
		Short: "Consumer wearable health telemetry ingestion and analysis",
		Long: `healthd accepts health metric uploads, journals them for the
analysis pipeline, runs the actigraphy transformer over activity
traces, and serves processing status, listings, and erasure.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the processing worker pool and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}

	allCmd = &cobra.Command{
		Use:   "all",
		Short: "Run the API tier and the worker pool in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default ~/.aleutian/healthd.yaml)")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "override the listen port")
	allCmd.Flags().IntVar(&portFlag, "port", 0, "override the listen port")
	rootCmd.AddCommand(serveCmd, workerCmd, allCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("healthd: %v", err)
	}
}
