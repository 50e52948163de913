package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/scopevis/scopevis/internal/domain"
)

// Classification errors returned by Normalize. Callers match with errors.Is;
// the wrapped message carries the specific reason.
var (
	ErrMalformed = errors.New("malformed event")
	ErrDuplicate = errors.New("duplicate event")
)

// Normalizer turns raw wire records into validated domain events. It owns no
// tree state, only an id registry used for category checks and duplicate
// detection. Not safe for concurrent use; the pipeline delivers events one
// at a time.
type Normalizer struct {
	seq uint64

	// last applied event kind per subject, for dropping immediate repeats
	lastKind map[domain.NodeID]domain.EventKind
	// node category each id has been seen as; ids never switch category
	category map[domain.NodeID]domain.NodeKind

	now func() time.Time
}

// NewNormalizer creates an empty Normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{
		lastKind: make(map[domain.NodeID]domain.EventKind),
		category: make(map[domain.NodeID]domain.NodeKind),
		now:      time.Now,
	}
}

// Seq returns the number of events normalized so far
func (n *Normalizer) Seq() uint64 {
	return n.seq
}

// Normalize validates one raw record and assigns it the next sequence
// number. It returns ErrMalformed for records that must never reach the
// model and ErrDuplicate for immediate per-subject repeats, which are
// dropped idempotently.
func (n *Normalizer) Normalize(raw domain.RawEvent) (domain.Event, error) {
	if raw.ID == "" {
		return domain.Event{}, fmt.Errorf("%w: missing subject id", ErrMalformed)
	}

	kind := domain.EventKind(raw.Kind)
	if !kind.Valid() {
		return domain.Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, raw.Kind)
	}

	subject := domain.NodeID(raw.ID)
	parent := domain.NodeID(raw.Parent)
	if subject == domain.RootID || parent == domain.RootID {
		return domain.Event{}, fmt.Errorf("%w: reserved id %q", ErrMalformed, domain.RootID)
	}
	if parent == subject {
		return domain.Event{}, fmt.Errorf("%w: event %s is its own parent", ErrMalformed, subject)
	}

	subjectCat := domain.NodeTask
	parentCat := domain.NodeNursery
	if kind.NurseryEvent() {
		subjectCat = domain.NodeNursery
		parentCat = domain.NodeTask
	}
	if err := n.checkCategory(subject, subjectCat); err != nil {
		return domain.Event{}, err
	}
	if parent != "" {
		if err := n.checkCategory(parent, parentCat); err != nil {
			return domain.Event{}, err
		}
	}

	if n.lastKind[subject] == kind {
		return domain.Event{}, fmt.Errorf("%w: %s %s", ErrDuplicate, kind, subject)
	}

	n.lastKind[subject] = kind
	n.category[subject] = subjectCat
	if parent != "" {
		n.category[parent] = parentCat
	}

	ts := n.now()
	if raw.TS != 0 {
		ts = time.UnixMicro(raw.TS)
	}

	n.seq++
	return domain.Event{
		Kind:    kind,
		Subject: subject,
		Parent:  parent,
		Name:    raw.Name,
		Time:    ts,
		Seq:     n.seq,
	}, nil
}

func (n *Normalizer) checkCategory(id domain.NodeID, want domain.NodeKind) error {
	if seen, ok := n.category[id]; ok && seen != want {
		return fmt.Errorf("%w: id %s already seen as %s, now %s", ErrMalformed, id, seen, want)
	}
	return nil
}
