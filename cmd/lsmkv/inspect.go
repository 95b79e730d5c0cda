package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lsmkv/pkg/layout"
	"lsmkv/pkg/types"
)

func newSegmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments",
		Short: "List segments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			for _, id := range db.Segments() {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <segment-id>",
		Short: "Print every entry of a segment in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := layout.ParseFileID(args[0])
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			return db.Scan(id, func(e types.Entry) error {
				if v, ok := e.Value(); ok {
					_, err := fmt.Fprintf(out, "%q\t%s\t%q\n", e.Key, e.Timestamp, v)
					return err
				}
				_, err := fmt.Fprintf(out, "%q\t%s\t<deleted>\n", e.Key, e.Timestamp)
				return err
			})
		},
	}
}
