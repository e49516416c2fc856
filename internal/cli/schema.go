// Copyright 2025 The Strata Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratasec/strata/manifest"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema {pack | ignore-list}",
		Short:     "Print the JSON schema for a manifest kind",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pack", "ignore-list"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var schema interface{}
			switch args[0] {
			case "pack":
				schema = manifest.PackSchema()
			case "ignore-list":
				schema = manifest.IgnoreListSchema()
			default:
				return fmt.Errorf("unknown manifest kind %q", args[0])
			}

			data, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
