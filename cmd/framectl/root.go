package main

import (
	"strings"

	"github.com/danmuck/framewire/internal/client"
	"github.com/danmuck/framewire/internal/config"
	"github.com/danmuck/framewire/internal/observability"
	"github.com/danmuck/framewire/internal/transport"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
}

// connFlags are shared by the commands that dial a server.
type connFlags struct {
	addr      string
	transport string
	token     string
	domain    string
	port      uint16
	raw       bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "framectl",
		Short:         "Serve, send and inspect length-delimited binary frames",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger("framectl")
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")

	cmd.AddCommand(
		newServeCmd(flags),
		newSendCmd(flags),
		newPingCmd(flags),
		newEncodeCmd(flags),
		newDecodeCmd(flags),
	)
	return cmd
}

func (f *rootFlags) load() (config.Config, error) {
	if strings.TrimSpace(f.configPath) == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(f.configPath)
}

func bindConnFlags(cmd *cobra.Command, f *connFlags) {
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "", "server address (default: config listen_addr)")
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "", "tcp|tls|yamux|websocket (default: config transport)")
	cmd.Flags().StringVar(&f.token, "token", "", "handshake token (default: config token)")
	cmd.Flags().StringVarP(&f.domain, "domain", "d", "localhost", "handshake domain")
	cmd.Flags().Uint16VarP(&f.port, "port", "p", 1, "handshake local port")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "skip the session handshake")
}

// clientConfig merges command line overrides onto the loaded config.
func clientConfig(cfg config.Config, f connFlags) (client.Config, error) {
	if strings.TrimSpace(f.transport) != "" {
		kind, err := transport.ParseKind(f.transport)
		if err != nil {
			return client.Config{}, err
		}
		cfg.Transport = kind
	}
	addr := strings.TrimSpace(f.addr)
	if addr == "" {
		addr = dialable(cfg.ListenAddr)
	}
	token := cfg.Token
	if strings.TrimSpace(f.token) != "" {
		token = strings.TrimSpace(f.token)
	}

	out := client.DefaultConfig()
	out.Transport = cfg.TransportConfig(addr)
	out.Stream = cfg.StreamOptions(nil)
	out.Domain = f.domain
	out.Port = f.port
	out.Token = token
	out.SkipHandshake = f.raw
	return out, nil
}

// dialable turns a wildcard listen address like ":7420" into a loopback
// target.
func dialable(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
