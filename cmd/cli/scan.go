package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/engine"
	"github.com/anstrom/freeip/internal/session"
	"github.com/anstrom/freeip/internal/store"
)

// scanShutdownTimeout bounds how long a finished or canceled scan may take
// to release the probe and the store.
const scanShutdownTimeout = 10 * time.Second

var (
	scanProbe string
	scanQuiet bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a scan in the foreground",
	Long: `Run the probe once and print every free address as it is discovered.
The results replace the cached list. Interrupting the scan with Ctrl-C stops
the probe and keeps the addresses found so far.`,
	Example: `  freeip scan
  freeip scan --probe ./probe.sh
  freeip scan --quiet > free.txt`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanProbe, "probe", "", "Probe executable (overrides probe.path)")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Print addresses only, one per line")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if scanProbe != "" {
		cfg.Probe.Path = scanProbe
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	st, err := store.Open(openCtx, cfg.StoreOptions())
	cancel()
	if err != nil {
		return fmt.Errorf("error opening %s store: %w", cfg.Store.Backend, err)
	}

	eng, err := engine.New(ctx, engine.Options{
		ProbePath:    cfg.Probe.Path,
		Store:        st,
		PassSettings: cfg.Probe.PassSettings,
		StoreTimeout: cfg.Store.Timeout,
		Logger:       commandLogger(cmd.ErrOrStderr()),
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("error creating engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), scanShutdownTimeout)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to stop engine: %v\n", err)
		}
	}()

	printer := newAddressPrinter(cmd.OutOrStdout())
	unsubscribe := eng.Subscribe(printer)
	defer unsubscribe()

	if !scanQuiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Scanning with %s\n", cfg.Probe.Path)
	}
	if !eng.RequestScan() {
		return fmt.Errorf("scan could not be started with probe %s", cfg.Probe.Path)
	}

	stopCancel := context.AfterFunc(ctx, eng.CancelScan)
	defer stopCancel()
	eng.Wait()

	if scanQuiet {
		return nil
	}

	final := eng.Snapshot()
	if ctx.Err() != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nScan canceled, %d partial result(s) kept\n", len(final.Results))
		return nil
	}
	displayScanSummary(cmd.OutOrStdout(), final)
	return nil
}

// addressPrinter writes each address the first time an update contains it.
type addressPrinter struct {
	out  io.Writer
	seen map[address.Address]struct{}
}

func newAddressPrinter(out io.Writer) *addressPrinter {
	return &addressPrinter{out: out, seen: make(map[address.Address]struct{})}
}

// OnUpdate implements session.Observer. Calls are serialized by the session.
func (p *addressPrinter) OnUpdate(u session.Update) {
	for _, addr := range u.Results {
		if _, ok := p.seen[addr]; ok {
			continue
		}
		p.seen[addr] = struct{}{}
		fmt.Fprintln(p.out, addr)
	}
}

func displayScanSummary(out io.Writer, u session.Update) {
	switch {
	case !u.Completed && len(u.Results) > 0:
		fmt.Fprintf(out, "\nScan failed: the probe exited with an error, %d partial result(s) kept\n", len(u.Results))
	case !u.Completed:
		fmt.Fprintln(out, "\nScan failed: the probe exited with an error before reporting results")
		return
	case len(u.Results) > 0:
		fmt.Fprintf(out, "\nScan completed: %d free address(es)\n", len(u.Results))
	default:
		fmt.Fprintln(out, "\nScan completed: no free addresses")
	}
	fmt.Fprintln(out, "Use 'freeip results' to view the cached list")
}
