package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/recorder"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage the capsule archive",
		Long: `Keep capsules in one place. The archive is a SQLite database when
--archive names a .db file and a directory of capsule files otherwise.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List archived capsules, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchive(a, func(r recorder.Recorder) error {
					arts, err := r.List()
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tCREATED\tTOP\tSIZE\tMESSAGE")
					for _, art := range arts {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
							art.ID, art.Created.Local().Format(time.DateTime), art.Top, art.Size, art.Message)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "import file.cdump...",
			Short: "Add capsule files to the archive",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchive(a, func(r recorder.Recorder) error {
					for _, path := range args {
						c, err := openForImport(path)
						if err != nil {
							return err
						}
						art, err := capsule.Store(r, c)
						c.Release()
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", art.ID, path)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "export id file.cdump",
			Short: "Write an archived capsule to a file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchive(a, func(r recorder.Recorder) error {
					_, data, err := r.Load(args[0])
					if err != nil {
						return err
					}
					return recorder.WriteFileAtomic(args[1], data)
				})
			},
		},
		&cobra.Command{
			Use:   "delete id...",
			Short: "Remove capsules from the archive",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchive(a, func(r recorder.Recorder) error {
					for _, id := range args {
						if err := r.Delete(id); err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func withArchive(a *app, fn func(recorder.Recorder) error) error {
	r, err := a.openArchive()
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// openForImport reads a capsule file to archive. A plain file is accepted
// under --key because the archive seals what it stores; a sealed one must
// open with the configured key.
func openForImport(path string) (*capsule.Capsule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sec := capsule.DefaultPersistOptions().Security
	if !recorder.Sealed(data) {
		sec = recorder.DefaultSecurityOptions()
	}
	c, err := capsule.Decode(data, sec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
