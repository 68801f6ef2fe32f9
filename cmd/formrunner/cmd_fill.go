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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/formrunner/services/runtime/client"
	"github.com/AleutianAI/formrunner/services/runtime/engine"
	"github.com/AleutianAI/formrunner/services/runtime/schema"
)

var (
	fillAPIURL      string
	fillDataDir     string
	fillResumeToken string
)

// fillCmd drives an engine interactively over stdin, one answer per
// line. Useful for exercising a schema end to end without a UI, and
// for demonstrating offline resume: interrupt a run, start it again
// with the same --data-dir and the session picks up where it stopped.
var fillCmd = &cobra.Command{
	Use:   "fill <schema.json>",
	Short: "Fill a form from stdin answers",
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
			return fmt.Errorf("schema is invalid: %w", err)
		}

		cfg := engine.DefaultConfig()
		cfg.FormID = sch.ID
		cfg.APIURL = fillAPIURL
		cfg.ResumeToken = fillResumeToken
		cfg.EnableAntiSpam = false
		if fillDataDir != "" {
			cfg.EnableOffline = true
			cfg.DataDir = fillDataDir + "/db"
			cfg.PartialDir = fillDataDir + "/partials"
		}
		cfg.OnSubmit = func(_ context.Context, sub *client.Submission) error {
			if fillAPIURL != "" {
				rc, err := client.New(fillAPIURL)
				if err != nil {
					return err
				}
				return rc.SubmitForm(cmd.Context(), sub)
			}
			out, _ := json.MarshalIndent(sub, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		eng, err := engine.New(sch, cfg)
		if err != nil {
			return err
		}
		defer eng.Destroy()

		fmt.Fprintf(cmd.OutOrStdout(), "filling %s (respondent %s)\n",
			sch.ID, eng.RespondentKey())

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for !eng.State().IsComplete {
			blocks := eng.VisibleBlocks()
			step := eng.State().CurrentStep
			if step >= len(blocks) {
				break
			}
			block := blocks[step]

			fmt.Fprintf(cmd.OutOrStdout(), "[%.0f%%] %s: ", eng.Progress(), block.Question)
			if !scanner.Scan() {
				fmt.Fprintln(cmd.OutOrStdout(), "\ninput ended; progress saved")
				return scanner.Err()
			}
			answer := strings.TrimSpace(scanner.Text())
			if answer != "" {
				eng.SetValue(block.ID, answer)
			}

			if err := eng.GoNext(cmd.Context()); err != nil {
				return err
			}
			if msg := eng.State().Errors[block.ID]; msg != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", msg)
			}
		}

		if eng.State().IsComplete {
			fmt.Fprintln(cmd.OutOrStdout(), "form complete")
		}
		return nil
	},
}

func init() {
	fillCmd.Flags().StringVar(&fillAPIURL, "api-url", "", "form backend base URL")
	fillCmd.Flags().StringVar(&fillDataDir, "data-dir", "",
		"enable offline persistence under this directory")
	fillCmd.Flags().StringVar(&fillResumeToken, "resume", "",
		"resume token from a previous partial save")
	rootCmd.AddCommand(fillCmd)
}
