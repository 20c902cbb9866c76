// Package classifier implements the two AFH channel-quality estimators of
// spec.md §4.7-§4.8: a baseline per-channel PER estimator and an enhanced
// (eAFH) short/long-window PDR estimator. Both share the Classifier
// interface of spec.md §9 so a node can hold either behind one field.
package classifier

import "github.com/user/blesim/events"

// Classifier is the shared contract between the baseline and eAFH
// estimators (spec.md §9): it observes reception outcomes and, on its own
// schedule, may produce a new used-channel list.
type Classifier interface {
	// OnReception folds one reception outcome into the classifier's
	// per-channel state. The link-layer connection that holds the
	// classifier passes in only its own receptions.
	OnReception(e events.PacketReceptionEnded)

	// Tick runs one classification pass and returns the channel list to
	// adopt, or ok=false if no list is proposed this pass. A list returned
	// with ok=true may equal the map already in use (Baseline returns one
	// on every pass); the link layer ignores such a list.
	Tick() (channels []int, ok bool)

	// SetCurrentChannel records which channel the current connection event
	// is using, called once per event after channel selection (spec.md
	// §4.3 step 1). Classifiers that tally per-channel outcomes purely from
	// events.PacketReceptionEnded.Channel (Baseline) may ignore it.
	SetCurrentChannel(c int)
}
