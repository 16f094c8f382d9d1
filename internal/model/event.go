package model

// ChangeKind classifies a captured row mutation.
type ChangeKind string

const (
	Insert ChangeKind = "insert"
	Update ChangeKind = "update"
	Delete ChangeKind = "delete"
)

// ChangeEvent is one committed row mutation on a tracked relation.
// Updates are delivered as a correlated Delete(old)+Insert(new) pair sharing
// a PairID; FoldPairs collapses them back into a single Update carrying both
// images.
type ChangeEvent struct {
	Relation   string
	NaturalKey string
	Kind       ChangeKind
	Payload    AttributeBag // after image (insert, update)
	Before     AttributeBag // before image (update, delete)
	Sequence   int64        // source commit order, assigned by the changelog
	PairID     int64        // nonzero on the two halves of an update pair
}

// IsUpdatePair reports whether the event is one half of an update pair.
func (e ChangeEvent) IsUpdatePair() bool { return e.PairID != 0 }

// FoldPairs collapses correlated Delete+Insert update pairs into single
// Update events, preserving source sequence order of the surviving events.
// The folded Update takes the Insert half's sequence so that merge engines
// apply it after any earlier standalone version of the same key.
func FoldPairs(events []ChangeEvent) []ChangeEvent {
	deletes := make(map[int64]ChangeEvent)
	for _, e := range events {
		if e.Kind == Delete && e.IsUpdatePair() {
			deletes[e.PairID] = e
		}
	}
	out := make([]ChangeEvent, 0, len(events))
	for _, e := range events {
		switch {
		case e.Kind == Delete && e.IsUpdatePair():
			// Dropped; its Insert half becomes the Update.
		case e.Kind == Insert && e.IsUpdatePair():
			folded := e
			folded.Kind = Update
			if d, ok := deletes[e.PairID]; ok {
				folded.Before = d.Before
			}
			out = append(out, folded)
		default:
			out = append(out, e)
		}
	}
	return out
}

// StreamOffset is the committed position of one consumer on one stream.
// Offsets are monotonically non-decreasing and advance only atomically with
// the consuming task's successful completion.
type StreamOffset struct {
	Stream   string
	Consumer string
	Offset   int64 // sequence of the last consumed event; 0 = nothing consumed
}
