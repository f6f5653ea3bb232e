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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkgstore/internal/database"
	"pkgstore/internal/spec"
)

var (
	listAll      bool
	listExplicit bool
	listImplicit bool
)

var listCmd = &cobra.Command{
	Use:   "list [name]",
	Short: "List installed package configurations",
	Long: `List the install records tracked by the database, in a stable order.

By default only currently installed records are shown; records kept
alive solely because other installs depend on them appear with --all.

Examples:
  pkgstore list
  pkgstore list zlib
  pkgstore list --explicit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "include records that are tracked but not installed")
	listCmd.Flags().BoolVar(&listExplicit, "explicit", false, "only records the user installed directly")
	listCmd.Flags().BoolVar(&listImplicit, "implicit", false, "only records pulled in as dependencies")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	db, _, err := openDatabase()
	if err != nil {
		return err
	}

	filter := database.Filter{}
	if !listAll {
		filter.Installed = database.Bool(true)
	}
	if listExplicit {
		filter.Explicit = database.Bool(true)
	}
	if listImplicit {
		filter.Explicit = database.Bool(false)
	}
	if len(args) > 0 {
		filter.Spec = spec.New(args[0], "")
	}

	results, err := db.Query(filter)
	if err != nil {
		return err
	}

	for _, s := range results {
		rec, err := db.GetRecord(s)
		if err != nil {
			return err
		}
		marker := " "
		if rec.Explicit {
			marker = "*"
		}
		status := ""
		if !rec.Installed {
			status = "  (not installed)"
		}
		fmt.Printf("%s %-40s %s%s\n", marker, s, rec.InstallTime.Format("2006-01-02 15:04"), status)
	}
	fmt.Printf("%d record(s)\n", len(results))
	return nil
}
