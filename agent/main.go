package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabtext/client"
	"collabtext/internal/discovery"
	"collabtext/internal/engine/opset"
	"collabtext/internal/logging"
	"collabtext/internal/protocol"
)

var (
	relayURL   string
	documentID string
	actor      string
	browseFor  time.Duration
	service    string
	logLevel   string
	quiet      bool

	rootCmd = &cobra.Command{
		Use:   "collabtext-agent",
		Short: "Terminal peer for a collabtext document",
		Long: `collabtext-agent joins one document on a relay, prints the text every
time a remote change arrives and appends each line read from stdin.

Without --relay the agent browses the local network for relays over mDNS
and joins the first one that answers.`,
		SilenceUsage: true,
		RunE:         runAgent,
	}

	browseCmd = &cobra.Command{
		Use:   "browse",
		Short: "List relays advertised on the local network",
		RunE:  runBrowse,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.DurationVar(&browseFor, "browse", 3*time.Second, "how long to browse for relays over mDNS")
	pf.StringVar(&service, "service", discovery.DefaultService, "mDNS service type")
	pf.StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	f := rootCmd.Flags()
	f.StringVar(&relayURL, "relay", "", "relay base URL, e.g. ws://localhost:8081")
	f.StringVar(&documentID, "doc", "", "document id to join")
	f.StringVar(&actor, "actor", "", "replica id, random when empty")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not print the document on remote changes")
	_ = rootCmd.MarkFlagRequired("doc")

	rootCmd.AddCommand(browseCmd)
}

func newLogger() (*slog.Logger, error) {
	cfg := logging.Default()
	cfg.Level = logLevel
	cfg.Format = "text"
	return logging.New(cfg, os.Stderr)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), browseFor)
	defer cancel()
	relays, err := discovery.Browse(ctx, service, discovery.DefaultDomain)
	if err != nil {
		return err
	}
	for _, r := range relays {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\t%v\n", r.Instance, r.Host, r.Port, r.Text)
	}
	return nil
}

// endpoint resolves the websocket URL for the document, browsing mDNS when
// no relay was given.
func endpoint(ctx context.Context, logger *slog.Logger) (string, error) {
	if relayURL != "" {
		u, err := url.Parse(relayURL)
		if err != nil {
			return "", fmt.Errorf("invalid relay url: %w", err)
		}
		u = u.JoinPath("ws", documentID)
		return u.String(), nil
	}
	bctx, cancel := context.WithTimeout(ctx, browseFor)
	defer cancel()
	relays, err := discovery.Browse(bctx, service, discovery.DefaultDomain)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errors.New("no relay found on the local network, use --relay")
	}
	logger.Info("relay discovered", "instance", relays[0].Instance, "host", relays[0].Host, "port", relays[0].Port)
	return relays[0].URL(documentID), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := endpoint(ctx, logger)
	if err != nil {
		return err
	}
	doc := opset.New(actor)
	out := cmd.OutOrStdout()
	target += "?actor=" + url.QueryEscape(doc.Actor())

	c, err := client.New(doc, client.Options{
		URL:    target,
		Actor:  doc.Actor(),
		Logger: logger,
		OnRemoteChange: func() {
			if !quiet {
				fmt.Fprintf(out, "--- %d edits\n%s\n", doc.Len(), doc.Text())
			}
		},
		OnPresence: func(entries []protocol.PresenceEntry) {
			for _, e := range entries {
				if e.Removed() {
					logger.Info("peer left", "presence", e.ID)
				} else {
					logger.Info("peer active", "presence", e.ID, "state", string(e.State))
				}
			}
		},
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	go readLines(ctx, cmd.InOrStdin(), doc, c, logger)

	err = <-errc
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type cursor struct {
	Actor  string `json:"actor"`
	Offset int    `json:"offset"`
}

// readLines appends every stdin line to the document and moves the
// presence cursor to the end of it.
func readLines(ctx context.Context, r io.Reader, doc *opset.Doc, c *client.Client, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		doc.Append([]byte(sc.Text() + "\n"))
		if err := c.SetPresence("cursor", cursor{Actor: doc.Actor(), Offset: len(doc.Text())}); err != nil {
			logger.Warn("set presence", "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn("read stdin", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
