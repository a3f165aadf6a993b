package engine

import (
	"sync"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

// Replica is one copy of a session's state: the document, its field clock and
// the shared playhead. Readers get immutable document snapshots so nobody
// observes an edit half applied.
type Replica struct {
	mu    sync.RWMutex
	doc   *document.Document
	clock *FieldClock
	frame float64
}

func NewReplica(doc *document.Document) *Replica {
	if doc == nil {
		doc = document.New("", "")
	}
	return &Replica{doc: doc, clock: NewFieldClock()}
}

func (r *Replica) Apply(msg protocol.Message) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, res := Apply(r.doc, r.clock, msg)
	r.doc = next
	if sp, ok := msg.(protocol.ScrubberPosition); ok && res.Applied() {
		r.frame = sp.Frame
	}
	return res
}

func (r *Replica) Document() *document.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

func (r *Replica) Frame() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frame
}

// Reset installs doc as the current state with an empty field clock. Edits
// that reach the replica afterwards were accepted by the relay after doc was
// taken, so none of them can be older than what doc already holds.
func (r *Replica) Reset(doc *document.Document) {
	if doc == nil {
		doc = document.New("", "")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = doc
	r.clock = NewFieldClock()
}

func (r *Replica) Last(f Field) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock.Last(f)
}

func (r *Replica) Resolve(id int, channel string, frame float64) (document.Value, bool, error) {
	return r.Document().Resolve(id, channel, frame)
}
