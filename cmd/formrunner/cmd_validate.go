// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/formrunner/services/runtime/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <schema.json>",
	Short: "Check a form schema for errors and lint findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		sch, err := schema.Load(data)
		if err != nil {
			return fmt.Errorf("parse schema: %w", err)
		}

		if err := sch.Validate(); err != nil {
			return err
		}

		findings := sch.Lint()
		for _, f := range findings {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", f)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d block(s), %d rule(s), %d warning(s)\n",
			sch.ID, len(sch.AllBlocks()), len(sch.Logic), len(findings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
