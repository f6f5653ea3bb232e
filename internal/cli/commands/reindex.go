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
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the install index from on-disk manifests",
	Long: `Rebuild the database index by scanning every install prefix's
manifest. The manifests are authoritative: use this when the index is
lost or out of step with what is actually installed.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	db, lyt, err := openDatabase()
	if err != nil {
		return err
	}
	if err := db.Reindex(lyt); err != nil {
		return err
	}
	fmt.Println("Install index rebuilt.")
	return nil
}
