// Command imapmigrate runs a one-shot migration of every account pair
// named in a credentials.json file from its source IMAP mailbox to its
// destination mailbox.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gsoultan/imapmigrate/internal/archive"
	"github.com/gsoultan/imapmigrate/internal/config"
	"github.com/gsoultan/imapmigrate/internal/engine"
	"github.com/gsoultan/imapmigrate/internal/logsink"
	"github.com/gsoultan/imapmigrate/internal/stringcat"
	"github.com/gsoultan/imapmigrate/internal/supervisor"
	"github.com/gsoultan/imapmigrate/internal/tokenstore"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("imapmigrate", flag.ContinueOnError)

	help := fs.Bool("help", false, "show usage and exit")
	showVersion := fs.Bool("version", false, "show version and exit")
	debug := fs.Bool("debug", false, "enable exception-detail logging")
	language := fs.String("language", "", "language code for the localized string catalog")
	genTokens := fs.Bool("gen-tokens", false, "check that a cached OAuth2 token exists for every OAUTH2 account, no migration; tokens are not acquired or refreshed")
	noLogs := fs.Bool("no-logs", false, "disable the per-run log file")
	timeout := fs.Int("timeout", 30, "reconnect gap in seconds, capped at 300")
	attempts := fs.Int("attempts", 5, "reconnect attempts before a pair is abandoned")
	configPath := fs.String("config", "credentials.json", "path to the credentials.json account pair list")
	tokenDir := fs.String("token-dir", ".", "directory holding per-email token_<email>.json caches")
	archiveBucket := fs.String("archive-bucket", "", "optional S3 bucket mirroring every appended message")
	archiveRegion := fs.String("archive-region", "", "AWS region for --archive-bucket")
	archiveEndpoint := fs.String("archive-endpoint", "", "optional S3-compatible endpoint override")

	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help {
		fs.Usage()
		return 0
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, "imapmigrate "+version)
		return 0
	}

	pairs, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapmigrate: %v\n", err)
		return 1
	}

	sink, closeSink := buildSink(*debug, *noLogs)
	defer closeSink()

	tokens := tokenstore.Provider{Dir: *tokenDir}

	if *genTokens {
		return genTokensOnly(pairs, tokens, sink)
	}

	var arch *archive.Archiver
	if *archiveBucket != "" {
		a, err := archive.New(context.Background(), archive.S3Config{
			Bucket: *archiveBucket, Region: *archiveRegion, Endpoint: *archiveEndpoint,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "imapmigrate: archive: %v\n", err)
			return 1
		}
		arch = a
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := *timeout
	if t > 300 {
		t = 300
	}

	report := engine.Run(ctx, pairs, engine.Dependencies{
		Tokens:   tokens,
		Strings:  loadCatalog(*language, sink),
		Sink:     sink,
		Archiver: arch,
		Attempts: *attempts,
		GapSecs:  t,
	})

	return exitCode(report)
}

// loadCatalog composes an override table from lang_<code>.json, if
// present, over the built-in English catalog. A missing or malformed
// override file is not fatal: unknown keys always fall back to the
// built-in English table.
func loadCatalog(language string, sink logsink.Sink) stringcat.Catalog {
	if language == "" {
		return stringcat.English
	}
	data, err := os.ReadFile(fmt.Sprintf("lang_%s.json", language))
	if err != nil {
		sink.Warn("no override catalog for language %q, using English fallback", language)
		return stringcat.English
	}
	var table map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		sink.Warn("malformed override catalog for language %q: %v", language, err)
		return stringcat.English
	}
	return stringcat.WithOverride(stringcat.English, table)
}

func buildSink(debug, noLogs bool) (logsink.Sink, func()) {
	if noLogs {
		return logsink.Discard, func() {}
	}

	name := fmt.Sprintf("log_%s.txt", time.Now().UTC().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapmigrate: could not open log file %s: %v\n", name, err)
		return logsink.NewPlain(os.Stderr), func() {}
	}

	var fileSink logsink.Sink
	if debug {
		fileSink = logsink.NewStructured(f)
	} else {
		fileSink = logsink.NewPlain(f)
	}

	return logsink.Multi(logsink.NewPlain(os.Stderr), fileSink), func() { _ = f.Close() }
}

func genTokensOnly(pairs []config.AccountPair, tokens tokenstore.Provider, sink logsink.Sink) int {
	failed := false
	for _, pair := range pairs {
		for _, cred := range []config.Credential{pair.Src, pair.Dst} {
			if cred.Security != "OAUTH2" {
				continue
			}
			if _, err := tokens.Get(context.Background(), cred.Email); err != nil {
				sink.Error("token check for %s: %v", cred.Email, err)
				failed = true
				continue
			}
			sink.Info("token present for %s", cred.Email)
		}
	}
	if failed {
		return 1
	}
	return 0
}

func exitCode(report engine.Report) int {
	if report.Cancelled {
		return 130
	}
	for _, p := range report.Pairs {
		if p.Err != nil && errors.Is(p.Err, supervisor.ErrReconnectExhausted) {
			return 1
		}
	}
	return 0
}
