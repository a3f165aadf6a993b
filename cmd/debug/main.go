package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/store"
	"github.com/astromechza/lottie-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	databaseVar := flag.String("database", "lottiesync.sqlite3", "path of the sqlite database")
	sessionVar := flag.String("session", "", "the session to inspect, empty to list sessions")
	revisionVar := flag.String("revision", "", "inspect the document as saved at this revision hash")
	frameVar := flag.Float64("frame", 0, "frame to resolve channel values at")
	svgVar := flag.Bool("svg", false, "render the revision graph to a temporary svg file")
	flag.Parse()

	st, err := store.Open(*databaseVar, "", nil)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	if *sessionVar == "" {
		sessions, err := st.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	}

	revisions, err := st.History(ctx, *sessionVar)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	slog.Info("revisions:")
	for i, rev := range revisions {
		slog.Info("revision", "i", fmt.Sprintf("%4d", i), "hash", rev.Hash, "actor", rev.Actor, "seq", rev.Seq, "dep", rev.Deps, "layers", rev.Layers)
	}
	printDot(os.Stdout, revisions)

	if *svgVar {
		if svgPath, err := viz.RenderToTemp(revisions); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+svgPath)
		}
	}

	var doc *document.Document
	if *revisionVar != "" {
		doc, err = st.LoadRevision(ctx, *sessionVar, *revisionVar)
	} else {
		doc, err = st.Load(ctx, *sessionVar)
	}
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	slog.Info("loaded doc", "name", doc.Name, "layers", len(doc.Layers), "frames", fmt.Sprintf("%v-%v", doc.InPoint, doc.OutPoint))
	printResolved(doc, *frameVar)
	return nil
}

func printDot(w io.Writer, revisions []store.Revision) {
	fmt.Fprintln(w, `digraph "log" {`)
	for _, rev := range revisions {
		fmt.Fprintf(w, "    \"%s\" [label=\"%s %s@%d %d\"]\n", rev.Hash, rev.Hash[:8], rev.Actor, rev.Seq, rev.Layers)
		for _, dep := range rev.Deps {
			fmt.Fprintf(w, "    \"%s\" -> \"%s\"\n", dep, rev.Hash)
		}
	}
	fmt.Fprintln(w, "}")
}

func printResolved(doc *document.Document, frame float64) {
	for pos, layer := range doc.Layers {
		for _, name := range layer.ChannelNames() {
			v, ok, err := doc.Resolve(layer.Index, name, frame)
			if err != nil {
				slog.Error("failed to resolve", "layer", layer.Index, "channel", name, "err", err)
				continue
			}
			if !ok {
				continue
			}
			slog.Info("channel", "position", pos, "layer", layer.Index, "name", layer.Name, "channel", name, "frame", frame, "value", v)
		}
	}
}
