package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/steprec/recorder"
)

var (
	recordURLs  []string
	recordAddr  string
	recordMCP   bool
	recordStart bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Launch Chrome and record clicks",
	Long: `Launch (or attach to) Chrome, open the configured pages and record
every click while a session is active. Recording is controlled over the
HTTP API, or the MCP tools with --mcp.`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringArrayVar(&recordURLs, "url", nil, "page to open (repeatable)")
	recordCmd.Flags().StringVar(&recordAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	recordCmd.Flags().BoolVar(&recordMCP, "mcp", false, "serve MCP tools on stdio")
	recordCmd.Flags().BoolVar(&recordStart, "start", false, "start a recording session right away")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if recordAddr != "" {
		cfg.HTTP.Addr = recordAddr
	}
	if len(cfg.URLs()) == 0 && len(recordURLs) == 0 {
		return fmt.Errorf("no page to record: pass --url or list pages in the config")
	}

	rec, err := recorder.New(cfg, recorder.WithLogger(logger))
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rec.Run(gctx, recordURLs...) })

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: rec.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Info("steprec: http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return rec.WatchStore(gctx) })
	if configPath != "" {
		g.Go(func() error { return rec.WatchConfig(gctx, configPath) })
	}

	if recordMCP {
		g.Go(func() error {
			// The session ends when the client goes away; so does the recorder.
			defer cancel()
			s := mcp.NewServer(&mcp.Implementation{Name: "steprec", Version: version}, nil)
			rec.RegisterMCP(s)
			if err := s.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		})
	}

	if recordStart {
		if _, err := rec.StartRecording(gctx); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("steprec: stopped")
	return nil
}
