package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/lottie-sync/pkg/store"
)

// RenderHistory draws the revision graph of a session as SVG.
func RenderHistory(revisions []store.Revision, w io.Writer) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, rev := range revisions {
		n, err := graph.CreateNode(rev.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s layers=%d", short(rev.Hash), short(rev.Actor), rev.Seq, rev.Name, rev.Layers))
		nodeMap[rev.Hash] = n

		for _, dep := range rev.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				return fmt.Errorf("revision %s depends on unknown %s", short(rev.Hash), short(dep))
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderHistoryToSvg(revisions []store.Revision, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer f.Close()
	return RenderHistory(revisions, f)
}

func RenderToTemp(revisions []store.Revision) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToSvg(revisions, tf); err != nil {
		return "", err
	}
	return tf, nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
