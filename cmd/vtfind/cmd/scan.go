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
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/briandowns/spinner"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"github.com/vtfind/vtfind/internal/commands/scan"
	"github.com/vtfind/vtfind/internal/config"
	pscan "github.com/vtfind/vtfind/pkg/scan"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringSliceP("type", "t", nil, "page table types to detect (Windows, Generic, HyperV, FreeBSD, OpenBSD, NetBSD, LinuxS, VMCS or all)")
	scanCmd.Flags().Bool("vmcs", false, "also look for VMCS pages (same as --type all,vmcs)")
	scanCmd.Flags().IntP("exit-after", "n", 0, "stop once this many page tables were found")
	scanCmd.Flags().String("window", "", "scan window size (e.g. 64MB or 0x4000000)")
	scanCmd.Flags().IntP("workers", "w", 0, "heuristics evaluated concurrently (default: number of CPUs)")
	scanCmd.Flags().String("base", "", "file offset of physical memory (overrides the container)")
	scanCmd.Flags().String("size", "", "size of physical memory (overrides the container)")
	scanCmd.Flags().BoolP("force", "f", false, "ignore the checkpoint and scan again")
	scanCmd.Flags().Bool("dump-vmcs", false, "hexdump every distinct VMCS page")
	scanCmd.Flags().StringP("output", "o", "table", "output format (table, json or yaml)")
	scanCmd.Flags().Bool("no-progress", false, "do not show progress bars")

	viper.BindPFlag("scan.types", scanCmd.Flags().Lookup("type"))
	viper.BindPFlag("scan.vmcs", scanCmd.Flags().Lookup("vmcs"))
	viper.BindPFlag("scan.exit-after", scanCmd.Flags().Lookup("exit-after"))
	viper.BindPFlag("scan.window", scanCmd.Flags().Lookup("window"))
	viper.BindPFlag("scan.workers", scanCmd.Flags().Lookup("workers"))
	viper.BindPFlag("scan.base", scanCmd.Flags().Lookup("base"))
	viper.BindPFlag("scan.size", scanCmd.Flags().Lookup("size"))
	viper.BindPFlag("scan.force", scanCmd.Flags().Lookup("force"))
	viper.BindPFlag("scan.dump-vmcs", scanCmd.Flags().Lookup("dump-vmcs"))
	viper.BindPFlag("scan.output", scanCmd.Flags().Lookup("output"))
	viper.BindPFlag("scan.no-progress", scanCmd.Flags().Lookup("no-progress"))

	scanCmd.MarkZshCompPositionalArgumentFile(1, "*.raw", "*.mem", "*.vmem", "*.vmss", "*.vmsn", "*.dmp")
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <IMAGE>",
	Short: "Detect page tables, VMCS and EPTP in a memory image",
	Example: heredoc.Doc(`
		# Detect every kind of page table in a raw image
		❯ vtfind scan memory.raw

		# Look for VMware/KVM/Hyper-V guests and their EPTP
		❯ vtfind scan --vmcs host.vmem

		# Only Windows and Linux page tables, stop after 100
		❯ vtfind scan -t windows,linux -n 100 memory.dmp

		# Scan again instead of resuming, as JSON
		❯ vtfind scan --force -o json memory.raw > results.json`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		types := conf.Scan.Types
		if viper.GetBool("scan.vmcs") {
			types |= pscan.PTVMCS
		}
		base, err := optionalSize(viper.GetString("scan.base"))
		if err != nil {
			return fmt.Errorf("invalid --base: %w", err)
		}
		size, err := optionalSize(viper.GetString("scan.size"))
		if err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}

		d, err := openDatabase(conf)
		if err != nil {
			return err
		}
		if d != nil {
			defer d.Close()
		}

		sc := &scan.Config{
			Image:     args[0],
			Types:     types,
			ExitAfter: conf.Scan.ExitAfter,
			Base:      base,
			Size:      size,
			Force:     viper.GetBool("scan.force"),
			Scan:      conf.ScanConfig(),
			DB:        d,
		}
		if viper.GetBool("scan.dump-vmcs") {
			sc.VMCSDump = os.Stdout
		}
		if !viper.GetBool("scan.no-progress") && term.IsTerminal(int(os.Stderr.Fd())) {
			stop := showProgress(sc)
			defer stop()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var res *scan.Result
		if err := ctrlc.Default.Run(ctx, func() error {
			r, err := scan.Run(ctx, sc)
			res = r
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				cancel()
				log.Warn("Exiting...")
				return nil
			}
			return fmt.Errorf("failed to scan %s: %w", args[0], err)
		}

		log.WithFields(log.Fields{
			"page_tables":    len(res.Procs),
			"vmcs":           len(res.VMCSs),
			"address_spaces": len(res.Groups),
			"resumed":        res.Resumed,
		}).Info("Scan complete")

		return scan.Render(os.Stdout, res, viper.GetString("scan.output"))
	},
}

func optionalSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := config.ParseSize(s)
	return int64(v), err
}

// showProgress draws a progress bar per scanning phase and a spinner while grouping.
func showProgress(sc *scan.Config) func() {
	p := mpb.New(mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
	var (
		bar *mpb.Bar
		s   *spinner.Spinner
	)
	sc.OnPhase = func(ph pscan.Phase, done bool) {
		switch {
		case ph == pscan.PhaseGroup && !done:
			s = spinner.New(spinner.CharSets[38], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Prefix = color.BlueString("   • Grouping address spaces... ")
			s.Start()
		case ph == pscan.PhaseGroup:
			s.Stop()
		case !done:
			name := fmt.Sprintf("     %s", ph)
			bar = p.New(100,
				mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
				mpb.PrependDecorators(
					decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight | decor.DextraSpace}),
					decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ "),
				),
				mpb.AppendDecorators(
					decor.Percentage(),
					decor.Name(" ] "),
				),
			)
		default:
			if !bar.Completed() {
				bar.Abort(false)
			}
			bar.Wait()
		}
	}
	sc.OnProgress = func(_ pscan.Phase, pct int) {
		if bar != nil {
			bar.SetCurrent(int64(pct))
		}
	}
	return p.Wait
}
