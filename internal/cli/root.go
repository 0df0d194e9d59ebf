// Package cli implements the dget demo host: a cobra command that drives
// one engine.Engine to completion, rendering its messages and progress to
// the terminal.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"golang.org/x/term"

	"github.com/ctdl/dget/internal/config"
	"github.com/ctdl/dget/internal/engine"
	"github.com/ctdl/dget/internal/engine/message"
	"github.com/ctdl/dget/internal/engine/resource"
)

var (
	flagOutput      string
	flagConnections int
	flagMaxSpeed    string
	flagProxy       string
	flagFTPProxy    string
	flagNoProxy     []string
	flagInsecure    bool
	flagNoClobber   bool
	flagUserAgent   string
	flagHeaders     []string
	flagIPv4        bool
	flagIPv6        bool
	flagMaxRedirect int
	flagQuiet       bool
	flagPin         string
	flagSaveCred    bool
)

var rootCmd = &cobra.Command{
	Use:     "dget [flags] <url> [alternate-url ...]",
	Short:   "A parallel download accelerator",
	Version: appVersion,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd.Context(), args)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output filename")
	rootCmd.Flags().IntVarP(&flagConnections, "connections", "n", 0, "number of parallel connections (default from config, else 4)")
	rootCmd.Flags().StringVarP(&flagMaxSpeed, "max-speed", "s", "", "aggregate speed cap, e.g. 500K, 2M (default unlimited)")
	rootCmd.Flags().StringVarP(&flagProxy, "proxy", "p", "", "HTTP(S) proxy URL")
	rootCmd.Flags().StringVar(&flagFTPProxy, "ftp-proxy", "", "FTP proxy URL")
	rootCmd.Flags().StringSliceVar(&flagNoProxy, "no-proxy", nil, "hostnames that bypass the configured proxy")
	rootCmd.Flags().BoolVarP(&flagInsecure, "insecure", "k", false, "skip TLS certificate verification")
	rootCmd.Flags().BoolVar(&flagNoClobber, "no-clobber", false, "refuse to overwrite an existing, unresumable output")
	rootCmd.Flags().StringVar(&flagUserAgent, "user-agent", "", "override the User-Agent header")
	rootCmd.Flags().StringArrayVarP(&flagHeaders, "header", "H", nil, "extra header as Name: Value (repeatable)")
	rootCmd.Flags().BoolVar(&flagIPv4, "4", false, "resolve and connect over IPv4 only")
	rootCmd.Flags().BoolVar(&flagIPv6, "6", false, "resolve and connect over IPv6 only")
	rootCmd.Flags().IntVar(&flagMaxRedirect, "max-redirect", 0, "maximum HTTP redirects to follow")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress progress output")
	rootCmd.Flags().StringVar(&flagPin, "pin", "", "4-digit PIN protecting stored site credentials (prompted if omitted and needed)")
	rootCmd.Flags().BoolVar(&flagSaveCred, "save-credential", false, "encrypt and remember the URL's embedded credentials for this host")
}

// Execute runs the root command; its return value is the process exit code.
func Execute() int {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		return exitCodeFor(err)
	}
	return 0
}

// usageError marks an error as a flag/argument problem (exit code 1) rather
// than an engine-level failure.
type usageError struct{ error }

func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 1
	}
	if _, ok := err.(incompleteDownloadError); ok {
		return 2
	}
	return 1
}

// incompleteDownloadError marks a download that stopped (stop flag raised,
// or all connections exhausted) without reaching ready=true.
type incompleteDownloadError struct{ error }

func runDownload(ctx context.Context, urls []string) error {
	headers, err := parseHeaders(flagHeaders)
	if err != nil {
		return usageError{err}
	}

	fileCfg := config.LoadOrDefault()
	cfg := buildEngineConfig(fileCfg, headers)

	urls, err = applyStoredCredentials(fileCfg, urls)
	if err != nil {
		return usageError{err}
	}

	e, err := engine.New(cfg, urls)
	if err != nil {
		return usageError{err}
	}

	// The engine never installs signal handlers itself; the interrupt that
	// cancelled ctx is relayed to its cooperative-stop token so the last
	// Step checkpoints before we exit.
	stopWatch := context.AfterFunc(ctx, e.StopFlag().Raise)
	defer stopWatch()

	outputHint := flagOutput
	if outputHint == "" && fileCfg.OutputDir != "" && fileCfg.OutputDir != "." {
		outputHint = fileCfg.OutputDir
	}

	if err := e.Open(ctx, outputHint); err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Close()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, stepErr := e.Step(ctx)
		drainAndPrint(e)
		if stepErr != nil {
			return incompleteDownloadError{stepErr}
		}
		if ready {
			if !flagQuiet {
				printSummary(e)
			}
			return nil
		}
		if ctx.Err() != nil {
			return incompleteDownloadError{fmt.Errorf("interrupted")}
		}
		if !flagQuiet {
			printProgress(e)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

func drainAndPrint(e *engine.Engine) {
	for _, m := range e.DrainMessages() {
		switch m.Severity {
		case message.Error:
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("error:"), m.Text)
		case message.Warn:
			fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("warn:"), m.Text)
		default:
			if !flagQuiet {
				fmt.Printf("%s %s\n", color.CyanString("info:"), m.Text)
			}
		}
	}
}

func printProgress(e *engine.Engine) {
	snap := e.Snapshot()
	pct := "?"
	if snap.Size > 0 {
		pct = fmt.Sprintf("%.1f%%", 100*float64(snap.BytesDone)/float64(snap.Size))
	}
	fmt.Printf("\r%s %s  %s/s   ", color.GreenString(pct), formatBytes(snap.BytesDone), formatBytes(int64(snap.BytesPerSecond)))
}

func printSummary(e *engine.Engine) {
	snap := e.Snapshot()
	elapsed := time.Since(snap.StartTime).Round(time.Second)
	fmt.Printf("\n%s %s downloaded in %s -> %s\n", color.GreenString("done:"), formatBytes(snap.BytesDone), elapsed, snap.Filename)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// applyStoredCredentials rewrites each URL, embedding a previously saved
// credential for its host when the URL carries none of its own, and, when
// --save-credential is set, encrypts and persists whatever credential the
// URL does carry. A PIN is required for either direction and is prompted
// interactively when --pin was not given.
func applyStoredCredentials(fileCfg *config.Config, urls []string) ([]string, error) {
	out := make([]string, len(urls))
	var dirty bool

	for i, raw := range urls {
		u, err := resource.Parse(raw)
		if err != nil {
			out[i] = raw
			continue
		}

		if flagSaveCred && u.User != "" {
			pin, err := resolvePIN()
			if err != nil {
				return nil, err
			}
			if err := fileCfg.SaveCredential(u.Host, u.User, u.Pass, pin); err != nil {
				return nil, err
			}
			dirty = true
		} else if u.User == "" && fileCfg.HasCredential(u.Host) {
			pin, err := resolvePIN()
			if err != nil {
				return nil, err
			}
			user, pass, ok, err := fileCfg.ResolveCredential(u.Host, pin)
			if err != nil {
				return nil, err
			}
			if ok {
				u.User, u.Pass = user, pass
			}
		}

		out[i] = u.Reconstruct()
	}

	if dirty {
		if err := config.Save(fileCfg); err != nil {
			return nil, fmt.Errorf("save credential: %w", err)
		}
	}
	return out, nil
}

func resolvePIN() (string, error) {
	if flagPin != "" {
		return flagPin, nil
	}
	fmt.Fprint(os.Stderr, "PIN: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read PIN: %w", err)
	}
	flagPin = string(b)
	return flagPin, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		idx := strings.Index(h, ":")
		if idx < 0 {
			return nil, fmt.Errorf("malformed header %q, expected Name: Value", h)
		}
		out[strings.TrimSpace(h[:idx])] = strings.TrimSpace(h[idx+1:])
	}
	return out, nil
}
