package entitygraph

import (
	"sort"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested Frame or Landmark id does not
// exist in the Map.
var ErrNotFound = errors.New("entitygraph: id not found")

// KeyframeListener is notified after a Frame is promoted to a keyframe: the
// signal a Core wires to coordinator.Coordinator.UpdateMap to wake the
// backend worker.
type KeyframeListener func(*Frame)

// Map is the entity graph's single owner: every Frame and Landmark in the
// current session lives here, guarded by one mutex, mirroring
// cartofacade.Queue's discipline of guarding shared state behind a single
// lock and handing callers copies or snapshots rather than live references.
type Map struct {
	mu sync.RWMutex

	frames     map[FrameID]*Frame
	landmarks  map[LandmarkID]*Landmark
	keyframes  []FrameID // insertion order, strictly increasing time
	nextFrame  FrameID
	nextLandmk LandmarkID
	listener   KeyframeListener
}

// SetKeyframeListener installs fn to be called, outside the Map's lock,
// after every InsertKeyframe. A nil fn disables notification.
func (m *Map) SetKeyframeListener(fn KeyframeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{
		frames:     make(map[FrameID]*Frame),
		landmarks:  make(map[LandmarkID]*Landmark),
		nextFrame:  1,
		nextLandmk: 1,
	}
}

// NextFrameID allocates and reserves the next FrameID without inserting
// anything; callers build the Frame before calling InsertKeyframe.
func (m *Map) NextFrameID() FrameID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextFrame
	m.nextFrame++
	return id
}

// NextLandmarkID allocates and reserves the next LandmarkID.
func (m *Map) NextLandmarkID() LandmarkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextLandmk
	m.nextLandmk++
	return id
}

// InsertKeyframe adds f to the map and to the ordered keyframe sequence. f's
// Time must be > the time of the last inserted keyframe; callers violating
// strictly increasing time insertion get a panic, since this would indicate a
// frontend invariant violation rather than a recoverable runtime condition.
func (m *Map) InsertKeyframe(f *Frame) {
	m.mu.Lock()
	if n := len(m.keyframes); n > 0 {
		last := m.frames[m.keyframes[n-1]]
		if f.Time <= last.Time {
			m.mu.Unlock()
			panic("entitygraph: keyframe inserted out of time order")
		}
	}
	m.frames[f.ID] = f
	m.keyframes = append(m.keyframes, f.ID)
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener(f)
	}
}

// InsertLandmark adds lm to the map.
func (m *Map) InsertLandmark(lm *Landmark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks[lm.ID] = lm
}

// Frame returns a copy of the frame's pointer (the Frame itself is still
// mutable by the caller; Map does not deep-copy frames, since frames are
// mutated in place by the frontend/backend under their own synchronization
// discipline, one owner goroutine at a time).
func (m *Map) Frame(id FrameID) (*Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.frames[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "frame %d", id)
	}
	return f, nil
}

// Landmark returns the landmark for id.
func (m *Map) Landmark(id LandmarkID) (*Landmark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm, ok := m.landmarks[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "landmark %d", id)
	}
	return lm, nil
}

// AttachObservation records that f observes lm at kp on the given side: the
// Feature is inserted into f's feature table and a back-reference appended to
// lm's observation list together, so the two sides of the graph never drift
// apart. f need not be a keyframe yet; the frontend attaches a new keyframe's
// observations before promoting the frame into the map.
func (m *Map) AttachObservation(lm *Landmark, f *Frame, side Side, kp r2.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.AddFeature(lm.ID, kp, side)
	lm.Observations = append(lm.Observations, FeatureRef{FrameID: f.ID, Side: side})
}

// RemoveLandmark detaches lm from every frame that observes it and deletes
// it from the map. This is the only path that removes a landmark, so no
// Feature ever outlives its Landmark.
func (m *Map) RemoveLandmark(id LandmarkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lm, ok := m.landmarks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "landmark %d", id)
	}
	for _, ref := range lm.Observations {
		if f, ok := m.frames[ref.FrameID]; ok {
			f.RemoveFeature(id, ref.Side)
		}
	}
	delete(m.landmarks, id)
	return nil
}

// DetachFeature removes the feature observing lm on frameID/side from both
// sides of the graph: the frame's feature table and the landmark's
// observation list. Used by the backend's outlier cleanup to detach a
// single bad observation without removing the landmark itself.
func (m *Map) DetachFeature(lm *Landmark, frameID FrameID, side Side) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.frames[frameID]; ok {
		f.RemoveFeature(lm.ID, side)
	}
	kept := lm.Observations[:0]
	for _, ref := range lm.Observations {
		if ref.FrameID == frameID && ref.Side == side {
			continue
		}
		kept = append(kept, ref)
	}
	lm.Observations = kept
}

// KeyframeOptions customizes GetKeyframes' range.
type KeyframeOptions struct {
	End      float64 // exclusive upper time bound; zero means unbounded
	MaxCount int     // zero means unbounded
}

// GetKeyframes returns the keyframes whose time lies in [start, opts.End)
// (half-open), oldest first. If opts.MaxCount is positive and the range
// holds more than that many keyframes, only the earliest MaxCount of them
// are returned. The keyframe sequence is time-ordered (InsertKeyframe
// enforces it), so both bounds are binary searches rather than scans. The
// returned slice is a fresh copy: callers may read it without holding the
// Map's lock.
func (m *Map) GetKeyframes(start float64, opts KeyframeOptions) []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := sort.Search(len(m.keyframes), func(i int) bool { return m.frames[m.keyframes[i]].Time >= start })
	hi := len(m.keyframes)
	if opts.End != 0 {
		hi = sort.Search(len(m.keyframes), func(i int) bool { return m.frames[m.keyframes[i]].Time >= opts.End })
	}
	if lo > hi {
		lo = hi
	}
	ids := m.keyframes[lo:hi]
	if opts.MaxCount > 0 && len(ids) > opts.MaxCount {
		ids = ids[:opts.MaxCount]
	}

	out := make([]*Frame, len(ids))
	for i, id := range ids {
		out[i] = m.frames[id]
	}
	return out
}

// KeyframeCount returns the number of keyframes currently in the map.
func (m *Map) KeyframeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// LatestKeyframe returns the most recently inserted keyframe, or nil if the
// map has none.
func (m *Map) LatestKeyframe() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyframes) == 0 {
		return nil
	}
	return m.frames[m.keyframes[len(m.keyframes)-1]]
}

// Reset drops every frame and landmark; id allocation continues from where
// it was. Used by
// relocalization/session-restart paths; existing FrameID/LandmarkID values
// are never reused even across Reset, so callers holding stale ids from
// before a Reset fail fast with ErrNotFound rather than silently resolving
// to an unrelated entity.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = make(map[FrameID]*Frame)
	m.landmarks = make(map[LandmarkID]*Landmark)
	m.keyframes = nil
}
