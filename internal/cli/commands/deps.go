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
	depsParents bool
	depsDirect  bool
)

var depsCmd = &cobra.Command{
	Use:   "deps <name>",
	Short: "Show installed relatives of a package",
	Long: `Show the installed packages related to the named one: its
dependencies by default, or the packages that depend on it with
--parents.

Examples:
  pkgstore deps openssl
  pkgstore deps zlib --parents`,
	Args: cobra.ExactArgs(1),
	RunE: runDeps,
}

func init() {
	depsCmd.Flags().BoolVar(&depsParents, "parents", false, "show dependents instead of dependencies")
	depsCmd.Flags().BoolVar(&depsDirect, "direct", false, "direct relatives only, not transitive")
	rootCmd.AddCommand(depsCmd)
}

func runDeps(cmd *cobra.Command, args []string) error {
	db, _, err := openDatabase()
	if err != nil {
		return err
	}

	direction := database.Children
	if depsParents {
		direction = database.Parents
	}

	relatives, err := db.InstalledRelatives(spec.New(args[0], ""), direction, !depsDirect)
	if err != nil {
		return err
	}
	for _, s := range relatives {
		fmt.Println(s)
	}
	return nil
}
