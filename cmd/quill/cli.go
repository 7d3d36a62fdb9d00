package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/session"
)

func newGenerateCmd(flags *globalFlags) *cobra.Command {
	var (
		docPath string
		line    int
		prompt  string
		mode    string
		command string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation against a note and print the result",
		Long: "Reads --doc from the vault, runs the generation with the cursor on --line " +
			"and prints the updated note. The note on disk is not modified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			data, err := a.vault.ReadFile(docPath)
			if err != nil {
				return err
			}
			buf := document.FromText(string(data))
			if line < 0 || line > document.LastLine(buf) {
				return fmt.Errorf("--line %d is outside the note (0-%d)", line, document.LastLine(buf))
			}
			buf.SetCursor(document.Position{Line: line, Col: len(buf.Line(line))})

			var inv session.Invocation
			if command != "" {
				desc, ok := a.commands.Find(command)
				if !ok {
					return fmt.Errorf("unknown command %q (see quill commands)", command)
				}
				inv = desc.Invocation(docPath, buf, prompt)
			} else {
				m := session.Mode(mode)
				if !m.Valid() {
					return fmt.Errorf("unknown mode %q", mode)
				}
				inv = session.Invocation{Mode: m, Prompt: prompt, DocPath: docPath, Buffer: buf}
			}

			if err := a.ctrl.Run(context.Background(), inv); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), document.Text(buf))
			return nil
		},
	}
	cmd.Flags().StringVar(&docPath, "doc", "", "note path relative to the vault")
	cmd.Flags().IntVar(&line, "line", 0, "zero-based cursor line")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text for modes that take one")
	cmd.Flags().StringVar(&mode, "mode", string(session.ModePrompt), "prompt, line, pdf, image or transcribe")
	cmd.Flags().StringVar(&command, "command", "", "run a command by ID instead of --mode")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func newCommandsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List built-in and custom commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tNAME")
			for _, d := range a.commands.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Mode, d.Name)
			}
			return w.Flush()
		},
	}
}

func newSettingsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st := redacted(a.store.Get())
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", a.store.Path())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, kv := range settingsRows(st) {
				fmt.Fprintf(w, "%s\t%s\n", kv[0], kv[1])
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting and save the file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.store.Set(args[0], args[1])
		},
	})
	return cmd
}

// settingsRows lists settings as key/value pairs in key order, using the
// settings-file key names.
func settingsRows(st config.Settings) [][2]string {
	raw, _ := json.Marshal(st)
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][2]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, [2]string{k, oneLine(fmt.Sprint(fields[k]))})
	}
	return rows
}

// oneLine keeps multi-line values on one table row.
func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
