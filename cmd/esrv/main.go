// Command esrv is the RSP debug server's thin CLI wrapper (spec.md §6.1,
// explicitly out of the core per spec.md §1): flag parsing, platform
// loading, SIGINT handling, and the TCP accept loop, all delegating to
// pkg/server for everything that actually speaks the protocol.
//
// Grounded on delve's cmd/dlv/main.go's cobra root-command-plus-flags
// structure, generalized from delve's run/test/attach subcommands
// (which compile and spawn a local Go program) to this server's single
// job: load one platform and serve it.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kmate/epiphany-libs/pkg/logflags"
	"github.com/kmate/epiphany-libs/pkg/matchpoint"
	"github.com/kmate/epiphany-libs/pkg/platformcfg"
	"github.com/kmate/epiphany-libs/pkg/procmodel"
	"github.com/kmate/epiphany-libs/pkg/server"
	"github.com/kmate/epiphany-libs/pkg/target"
	"github.com/kmate/epiphany-libs/pkg/target/plugin"
)

// Exit codes per spec.md §6.1.
const (
	exitClean   = 0
	exitInitErr = 1
	exitPlatErr = 2
)

var flags struct {
	port               int
	platformSO         string
	platformYAML       string
	multiProcess       bool
	nonStop            bool
	dontCheckHWAddress bool
	skipPlatformReset  bool
	debugLevel         int
}

func main() {
	root := &cobra.Command{
		Use:   "esrv",
		Short: "GDB remote serial protocol debug server for an Epiphany-style mesh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().IntVar(&flags.port, "port", 51000, "TCP port to listen on.")
	root.Flags().StringVar(&flags.platformSO, "platform-so", "", "Path to the driver shared object (spec.md §6.2).")
	root.Flags().StringVar(&flags.platformYAML, "platform-yaml", "", "Path to a YAML platform fixture, for bring-up without real hardware.")
	root.Flags().BoolVar(&flags.multiProcess, "multi-process", true, "Advertise multiprocess extensions and format thread-ids as pPID.TID.")
	root.Flags().BoolVar(&flags.nonStop, "non-stop", false, "Run in non-stop mode: vCont replies immediately, stops are queued for vStopped.")
	root.Flags().BoolVar(&flags.dontCheckHWAddress, "dont-check-hw-address", false, "Accepted for command-line compatibility; has no effect (addresses are always checked against the memory and register maps).")
	root.Flags().BoolVar(&flags.skipPlatformReset, "skip-platform-reset", false, "Do not reset the platform at startup.")
	root.Flags().IntVar(&flags.debugLevel, "debug-level", 0, "Verbosity: 0=none, 1=server, 2=+control, 3=+wire.")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitErr)
	}
}

func run() error {
	logs := logflags.New(logflags.Level(flags.debugLevel))
	out := consoleWriter()
	logs.SetOutput(out)

	reg := procmodel.New()
	port, def, err := loadPlatform()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitPlatErr)
	}
	populateRegistry(reg, def)

	if !flags.skipPlatformReset {
		if err := port.Reset(); err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("esrv: platform reset: %w", err))
			os.Exit(exitPlatErr)
		}
	}

	mp := matchpoint.New()
	cfg := server.Config{
		MultiProcess:       flags.multiProcess,
		NonStop:            flags.nonStop,
		DontCheckHWAddress: flags.dontCheckHWAddress,
	}
	sess := server.NewSession(reg, port, mp, logs, cfg)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", flags.port))
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("esrv: listen: %w", err))
		os.Exit(exitInitErr)
	}
	defer listener.Close()
	banner(out)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logs.Server().Info("esrv: SIGINT received, shutting down")
		cancel()
		listener.Close()
	}()

	if err := acceptLoop(ctx, listener, sess); err != nil {
		if ctx.Err() != nil {
			os.Exit(exitClean)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitErr)
	}
	return nil
}

// acceptLoop serves one connection at a time, matching spec.md §5's
// single-session cooperative model (no concurrent clients).
func acceptLoop(ctx context.Context, listener net.Listener, sess *server.Session) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("esrv: accept: %w", err)
		}
		if err := sess.Serve(ctx, conn); err != nil && ctx.Err() == nil {
			sess.Logs.Server().WithError(err).Warn("esrv: connection ended")
		}
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
	}
}

// loadPlatform resolves the platform either from a real driver .so or,
// for bring-up and CI, a YAML fixture (spec.md §9's simulator-subclass
// equivalent).
func loadPlatform() (target.Port, *plugin.PlatformDefinition, error) {
	switch {
	case flags.platformSO != "":
		def := &plugin.PlatformDefinition{}
		driver, err := plugin.Load(flags.platformSO, def, flags.debugLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("esrv: loading platform: %w", err)
		}
		return driver, def, nil
	case flags.platformYAML != "":
		def, err := platformcfg.LoadYAML(flags.platformYAML)
		if err != nil {
			return nil, nil, fmt.Errorf("esrv: loading platform: %w", err)
		}
		mock, err := platformcfg.MockFromYAML(flags.platformYAML)
		if err != nil {
			return nil, nil, fmt.Errorf("esrv: loading platform: %w", err)
		}
		return mock, def, nil
	default:
		return nil, nil, fmt.Errorf("esrv: one of --platform-so or --platform-yaml is required")
	}
}

// populateRegistry enumerates every core in def and registers it,
// mirroring the startup sweep original_source/e-server/src/GdbServer.h
// performs over its own platform_definition_t before accepting a
// connection.
func populateRegistry(reg *procmodel.Registry, def *plugin.PlatformDefinition) {
	for _, chip := range def.Chips {
		for row := 0; row < chip.Rows; row++ {
			for col := 0; col < chip.Cols; col++ {
				reg.AddCore(procmodel.CoreId{
					Row: uint8(chip.YIDBase + row),
					Col: uint8(chip.XIDBase + col),
				})
			}
		}
	}
}

// consoleWriter wraps stderr in go-colorable, which translates ANSI
// escapes into Windows console calls and is a plain passthrough
// elsewhere, the same wrapping delve's terminal_windows.go applies
// around its own stderr.
func consoleWriter() io.Writer {
	return colorable.NewColorableStderr()
}

// banner prints the startup line directly (not through logrus, which
// always timestamps and field-tags its output) colorized only when
// stderr is attached to a terminal, the same isatty gate delve's
// pagingWriter uses before assuming an interactive console.
func banner(out io.Writer) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(out, "\x1b[1mesrv\x1b[0m listening on port %d\n", flags.port)
		return
	}
	fmt.Fprintf(out, "esrv listening on port %d\n", flags.port)
}
