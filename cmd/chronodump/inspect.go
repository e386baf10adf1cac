package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/willibrandon/chronodump/pkg/capsule"
)

func newInspectCmd() *cobra.Command {
	var (
		format string
		query  string
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [flags] file.cdump",
		Short: "Dump the header or the raw document of a capsule",
		Long: `Print what a capsule file holds without rebuilding it.

By default only the header is printed: ID, format version, producer,
message, innermost function, frame count and captured files. --full
prints the whole document, and --query selects part of it with a gjson
path, e.g. "producer.host", "files.@keys" or "codes.#.name".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q", format)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := capsule.Unwrap(data, capsule.DefaultPersistOptions().Security)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			switch {
			case query != "":
				res := gjson.GetBytes(doc, query)
				if !res.Exists() {
					return fmt.Errorf("no match for %q", query)
				}
				if format == "yaml" {
					return writeYAML(out, res.Value())
				}
				return writeJSON(out, []byte(res.Raw))
			case full:
				if format == "yaml" {
					return writeYAML(out, gjson.ParseBytes(doc).Value())
				}
				return writeJSON(out, doc)
			}

			h := capsule.PeekJSON(doc)
			if format == "yaml" {
				return writeYAML(out, h)
			}
			raw, err := json.Marshal(h)
			if err != nil {
				return err
			}
			return writeJSON(out, raw)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	cmd.Flags().StringVarP(&query, "query", "q", "", "gjson path selecting part of the document")
	cmd.Flags().BoolVar(&full, "full", false, "print the whole document")
	return cmd
}

func writeJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		// Scalars and other fragments print as they are
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
