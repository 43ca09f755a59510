package cli

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"

	"github.com/coder/hostrelay/relay"
)

// Root returns the hostrelay command.
func Root() *serpent.Command {
	var (
		listenPort  int64
		hostPort    int64
		useTLS      bool
		tlsServer   bool
		showData    bool
		rewriteHost bool
		verbose     bool
	)
	cmd := &serpent.Command{
		Use:        "hostrelay <hostname>",
		Short:      "Relay TCP connections to a single upstream, optionally terminating TLS on either side and rewriting the first HTTP request's Host header.",
		Middleware: serpent.RequireNArgs(1),
		Options: serpent.OptionSet{
			{
				Flag:        "listen-port",
				Env:         "HOSTRELAY_LISTEN_PORT",
				Default:     "7777",
				Description: "Port to listen on.",
				Value:       serpent.Int64Of(&listenPort),
			},
			{
				Flag:        "host-port",
				Env:         "HOSTRELAY_HOST_PORT",
				Description: "Upstream port. Defaults to 443 when --ssl is set, else 80.",
				Value:       serpent.Int64Of(&hostPort),
			},
			{
				Flag:        "ssl",
				Env:         "HOSTRELAY_SSL",
				Description: "Originate TLS toward the upstream. Certificate verification is disabled.",
				Value:       serpent.BoolOf(&useTLS),
			},
			{
				Flag:        "ssl-server",
				Env:         "HOSTRELAY_SSL_SERVER",
				Description: "Terminate TLS on the listener using a freshly generated self-signed identity.",
				Value:       serpent.BoolOf(&tlsServer),
			},
			{
				Flag:        "show-data",
				Env:         "HOSTRELAY_SHOW_DATA",
				Description: "Log transferred payloads as text in addition to byte counts.",
				Value:       serpent.BoolOf(&showData),
			},
			{
				Flag:        "rewrite-host-header",
				Env:         "HOSTRELAY_REWRITE_HOST_HEADER",
				Description: "Rewrite the Host header of the first HTTP request on each connection to the upstream hostname.",
				Value:       serpent.BoolOf(&rewriteHost),
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "HOSTRELAY_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hostname := inv.Args[0]
			if listenPort < 0 || listenPort > 65535 {
				return xerrors.Errorf("listen port %d out of range", listenPort)
			}
			if hostPort < 0 || hostPort > 65535 {
				return xerrors.Errorf("host port %d out of range", hostPort)
			}

			logger := slog.Make(sloghuman.Sink(inv.Stderr))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			var tlsServerConfig *tls.Config
			if tlsServer {
				var err error
				tlsServerConfig, err = relay.GenerateSelfSigned()
				if err != nil {
					return xerrors.Errorf("generate server identity: %w", err)
				}
			}

			opts := relay.Options{
				Hostname:          hostname,
				ListenAddr:        fmt.Sprintf("0.0.0.0:%d", listenPort),
				UpstreamPort:      uint16(hostPort),
				TLSUpstream:       useTLS,
				TLSServer:         tlsServerConfig,
				RewriteHostHeader: rewriteHost,
				ShowData:          showData,
				Logger:            logger,
				Stdout:            inv.Stdout,
				Stderr:            inv.Stderr,
			}
			srv := relay.New(opts)
			err := srv.Start(ctx)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(inv.Stdout, "Listening on 0.0.0.0:%d\n", listenPort)
			_, _ = fmt.Fprintf(inv.Stdout, "Forwarding to %s\n", opts.UpstreamAddr())

			<-ctx.Done()
			return srv.Stop()
		},
	}
	return cmd
}
