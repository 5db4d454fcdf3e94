/*
Copyright © 2026 vtfind authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vtfind/vtfind/internal/config"
	"github.com/vtfind/vtfind/internal/db"
	"github.com/vtfind/vtfind/pkg/scan"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRemoveCmd)
}

// checkpointCmd represents the checkpoint command
var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Manage scan checkpoints",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func withDatabase(fn func(d db.Database) error) error {
	conf, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := openDatabase(conf)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("checkpoints are disabled (database driver is 'none')")
	}
	defer d.Close()
	return fn(d)
}

// checkpointListCmd represents the checkpoint ls command
var checkpointListCmd = &cobra.Command{
	Use:           "ls",
	Aliases:       []string{"list"},
	Short:         "List scan checkpoints",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(d db.Database) error {
			scans, err := d.List()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			if len(scans) == 0 {
				log.Warn("No checkpoints found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
			fmt.Fprintf(w, "ID\tIMAGE\tSIZE\tTYPES\tPHASE\tUPDATED\n")
			fmt.Fprintf(w, "--\t-----\t----\t-----\t-----\t-------\n")
			for _, s := range scans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Path, humanize.IBytes(uint64(s.FileSize)), s.Types, scan.Phase(s.Phase), humanize.Time(s.UpdatedAt))
			}
			return w.Flush()
		})
	},
}

// checkpointRemoveCmd represents the checkpoint rm command
var checkpointRemoveCmd = &cobra.Command{
	Use:           "rm <ID>...",
	Aliases:       []string{"remove"},
	Short:         "Delete scan checkpoints",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(d db.Database) error {
			for _, id := range args {
				if err := d.Delete(id); err != nil {
					return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
				}
				log.WithField("id", id).Info("Deleted checkpoint")
			}
			return nil
		})
	},
}
