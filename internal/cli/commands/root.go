// Copyright 2025 PkgStore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commands holds the pkgstore CLI. The package manager's own
// install/uninstall workflows live elsewhere; what ships here is the
// maintenance and inspection surface of the install database itself.
package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pkgstore/internal/config"
	"pkgstore/internal/database"
	"pkgstore/internal/layout"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version info for the --version flag.
func SetVersion(v, c string) {
	version = v
	commit = c
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
}

var (
	rootFlag     string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "pkgstore",
	Short: "Inspect and maintain the package installation database",
	Long: `pkgstore tracks which package configurations are installed under a
store root, how they depend on one another, and how many installed
records depend on each one. These commands query the database, rebuild
its index from the on-disk manifests, and verify its consistency.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		level := logLevelFlag
		if level == "" {
			if settings, err := config.LoadSettings(); err == nil {
				level = settings.LogLevel
			}
		}
		configureLogging(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "",
		"store root (default $PKGSTORE_ROOT or the configured store)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"log level: trace, debug, info, warn, off")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func configureLogging(level string) {
	switch strings.ToLower(level) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "", "warn":
		log.SetLevel(log.WarnLevel)
	case "off", "none":
		log.SetOutput(io.Discard)
	default:
		log.SetLevel(log.WarnLevel)
	}
}

// openDatabase opens the install database and its layout for the
// selected root.
func openDatabase() (*database.Database, *layout.DirectoryLayout, error) {
	root := rootFlag
	if root == "" {
		root = config.DefaultRoot()
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, nil, err
	}

	lyt := layout.New(root)
	db, err := database.Open(root, lyt, database.Options{
		LockTimeout:        time.Duration(settings.DBLockTimeout) * time.Second,
		PackageLockTimeout: time.Duration(settings.PackageLockTimeout) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, lyt, nil
}
