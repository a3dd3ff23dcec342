// Command inspect reads and administers the notesync stores offline.
//
//	inspect [-config file] [-json] docs
//	inspect [-config file] [-json] entries <doc> [since]
//	inspect [-config file] text <doc>
//	inspect [-config file] [-json] snapshots <doc>
//	inspect [-config file] clear <doc>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sanity-io/litter"

	"github.com/vantagenotes/notesync/internal/config"
	"github.com/vantagenotes/notesync/internal/core/document"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage/snapshots"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
	"github.com/vantagenotes/notesync/internal/injector"
)

var errUsage = errors.New("usage: inspect [-config file] [-json] docs|entries|text|snapshots|clear [doc] [since]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "inspect:", err)
		os.Exit(1)
	}
}

type stores struct {
	updates   updatelog.Store
	texts     text.Store
	snapshots snapshots.Store
	cleanup   []func()
}

func (s *stores) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to a YAML or JSON config file")
	asJSON := fs.Bool("json", false, "print JSON instead of litter dumps")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	st, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	dump := func(v any) error {
		if *asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		_, err := fmt.Fprintln(out, litter.Sdump(v))
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "docs" {
		docs, err := st.updates.Documents(ctx)
		if err != nil {
			return err
		}
		return dump(docs)
	}
	if len(rest) == 0 {
		return errUsage
	}
	docID := rest[0]

	switch cmd {
	case "entries":
		since := 0
		if len(rest) > 1 {
			if since, err = strconv.Atoi(rest[1]); err != nil {
				return fmt.Errorf("since: %w", err)
			}
		}
		entries, err := st.updates.EntriesSince(ctx, docID, since)
		if err != nil {
			return err
		}
		return dump(entries)

	case "text":
		content, err := document.NewReconstructor(st.updates, st.texts, nil).Reconstruct(ctx, docID)
		if err != nil {
			return err
		}
		if content == "" {
			if content, err = st.texts.Read(ctx, docID); err != nil {
				return err
			}
		}
		_, err = io.WriteString(out, content)
		return err

	case "snapshots":
		if st.snapshots == nil {
			return errors.New("snapshots are disabled")
		}
		list, err := st.snapshots.List(ctx, docID)
		if err != nil {
			return err
		}
		return dump(list)

	case "clear":
		if err := st.updates.Clear(ctx, docID); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "cleared %s\n", docID)
		return err

	default:
		return errUsage
	}
}

func open(ctx context.Context, cfg config.Config) (*stores, error) {
	logger := log.NewNop()
	st := &stores{}

	updates, cleanup, err := injector.ProvideUpdateLog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st.updates = updates
	st.cleanup = append(st.cleanup, cleanup)

	texts, cleanup, err := injector.ProvideTextStore(ctx, cfg, logger)
	if err != nil {
		st.close()
		return nil, err
	}
	st.texts = texts
	st.cleanup = append(st.cleanup, cleanup)

	snaps, cleanup, err := injector.ProvideSnapshotStore(ctx, cfg)
	if err != nil {
		st.close()
		return nil, err
	}
	st.snapshots = snaps
	st.cleanup = append(st.cleanup, cleanup)
	return st, nil
}
