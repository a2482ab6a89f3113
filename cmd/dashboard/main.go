package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/server"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// Options defines all CLI flags and env vars for the dashboard server.
// Flags: --host, --port, --data-dir, --web-dir, --config
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_WEB_DIR, SERVICE_CONFIG
type Options struct {
	Host    string `doc:"Host to bind to" default:"0.0.0.0"`
	Port    int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir string `doc:"Directory for the report history database" default:".data"`
	WebDir  string `doc:"Path to web/ directory with static files"`
	Config  string `doc:"YAML settings file; dashboard.yaml is used when present"`
}

func loadSettings(opts *Options) *config.Settings {
	var (
		st  *config.Settings
		err error
	)
	if opts.Config != "" {
		st, err = config.LoadFile(opts.Config)
	} else {
		st, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: st.Log.Level, Format: st.Log.Format})
	return st
}

func newServer(opts *Options) *server.Server {
	return server.New(server.Config{
		Host:     opts.Host,
		Port:     fmt.Sprintf("%d", opts.Port),
		DataDir:  opts.DataDir,
		WebDir:   opts.WebDir,
		Settings: loadSettings(opts),
	})
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var httpServer *http.Server

		hooks.OnStart(func() {
			srv := newServer(opts)
			defer srv.Close()

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-dashboard API server starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Data:    %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Printf("  Metrics: %s/metrics\n", baseURL)
			fmt.Println()

			httpServer = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error().Err(err).Msg("server error")
			}
		})

		hooks.OnStop(func() {
			if httpServer == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
		})
	})

	cli.Root().Use = "dashboard"
	cli.Root().Short = "Geospatial dashboard backend"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			srv := newServer(opts)
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			var err error
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// bundles subcommand: print the product catalog
	cli.Root().AddCommand(&cobra.Command{
		Use:   "bundles",
		Short: "List the known bundles and their report names",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPRIMARY\tVARIANT\tREPORT")
			for _, b := range catalog.All() {
				variant := "-"
				if m, err := bundles.Lookup(b.ID); err == nil && m.RequiresVariant() {
					variant = "required"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s.pdf\n", b.ID, b.Literal, b.Primary, variant, b.ReportFileName)
			}
			_ = w.Flush()
		},
	})

	// describe subcommand: ask the tiling service how to show a raster
	describeCmd := &cobra.Command{
		Use:   "describe <raster-url>",
		Short: "Print the tile descriptor of a raster",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			st := loadSettings(opts)
			if st.Upstream.COGURL == "" {
				fmt.Fprintln(os.Stderr, "Error: upstream.cog_url is not configured")
				os.Exit(1)
			}
			colormap, _ := cmd.Flags().GetString("colormap")
			rescale, _ := cmd.Flags().GetString("rescale")
			c := cog.New(st.Upstream.COGURL, upstream.New("cog", st.Upstream.Timeout))
			c.StatsTimeout = st.Upstream.StatsTimeout
			td, err := c.Describe(context.Background(), args[0], cog.Request{Colormap: colormap, Rescale: rescale})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			out, _ := json.MarshalIndent(td, "", "  ")
			fmt.Println(string(out))
		}),
	}
	describeCmd.Flags().String("colormap", "", "Colour map name")
	describeCmd.Flags().String("rescale", "", "Value range \"min,max\"")
	cli.Root().AddCommand(describeCmd)

	cli.Run()
}
