// Package tf keeps a short history of transforms between named coordinate
// frames and answers "where was frame B relative to frame A at time T".
//
// Frames form a tree: every frame except the roots has exactly one parent at
// any time. Each edge stores time-stamped samples; lookups interpolate between
// samples and compose edges through the closest common ancestor.
package tf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// DefaultCacheDuration is how much history each edge keeps behind its newest sample.
const DefaultCacheDuration = 10 * time.Second

// TransformStamped is the pose of ChildFrameID expressed in FrameID at Stamp.
type TransformStamped struct {
	Stamp        time.Time         `json:"stamp"`
	FrameID      string            `json:"frame_id"`
	ChildFrameID string            `json:"child_frame_id"`
	Transform    spatial.Transform `json:"transform"`
}

type sample struct {
	stamp time.Time
	tr    spatial.Transform
}

type edge struct {
	parent  string
	static  bool
	samples []sample // ascending by stamp
}

// Buffer stores transform history. It is safe for concurrent use: writers feed
// it from transport goroutines while the pipeline reads from its event loop.
type Buffer struct {
	mu            sync.RWMutex
	edges         map[string]*edge // keyed by child frame
	cacheDuration time.Duration
}

// NewBuffer creates a buffer keeping cacheDuration of history per edge.
// A non-positive duration selects DefaultCacheDuration.
func NewBuffer(cacheDuration time.Duration) *Buffer {
	if cacheDuration <= 0 {
		cacheDuration = DefaultCacheDuration
	}
	return &Buffer{
		edges:         make(map[string]*edge),
		cacheDuration: cacheDuration,
	}
}

// CacheDuration returns how much history each edge keeps.
func (b *Buffer) CacheDuration() time.Duration {
	return b.cacheDuration
}

// SetTransform records ts. Static transforms hold for all times and replace any
// earlier value for the same child.
func (b *Buffer) SetTransform(ts TransformStamped, static bool) error {
	if ts.FrameID == "" || ts.ChildFrameID == "" {
		return fmt.Errorf("%w: empty frame id (parent=%q child=%q)", ErrInvalidTransform, ts.FrameID, ts.ChildFrameID)
	}
	if ts.FrameID == ts.ChildFrameID {
		return fmt.Errorf("%w: frame %q cannot be its own parent", ErrInvalidTransform, ts.FrameID)
	}
	if err := ts.Transform.Validate(); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrInvalidTransform, ts.FrameID, ts.ChildFrameID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createsCycle(ts.ChildFrameID, ts.FrameID) {
		return fmt.Errorf("%w: %s -> %s would create a loop", ErrInvalidTransform, ts.FrameID, ts.ChildFrameID)
	}

	s := sample{stamp: ts.Stamp, tr: ts.Transform.Normalize()}
	e, ok := b.edges[ts.ChildFrameID]
	if !ok || e.parent != ts.FrameID || static || e.static {
		// New edge, re-parented frame, or static data: start a fresh history.
		b.edges[ts.ChildFrameID] = &edge{parent: ts.FrameID, static: static, samples: []sample{s}}
		return nil
	}

	i := sort.Search(len(e.samples), func(i int) bool { return !e.samples[i].stamp.Before(s.stamp) })
	if i < len(e.samples) && e.samples[i].stamp.Equal(s.stamp) {
		e.samples[i] = s
	} else {
		e.samples = append(e.samples, sample{})
		copy(e.samples[i+1:], e.samples[i:])
		e.samples[i] = s
	}

	oldest := e.samples[len(e.samples)-1].stamp.Add(-b.cacheDuration)
	drop := sort.Search(len(e.samples), func(i int) bool { return !e.samples[i].stamp.Before(oldest) })
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
	return nil
}

// createsCycle reports whether making parent the parent of child closes a loop.
// Caller holds the lock.
func (b *Buffer) createsCycle(child, parent string) bool {
	for f := parent; ; {
		if f == child {
			return true
		}
		e, ok := b.edges[f]
		if !ok {
			return false
		}
		f = e.parent
	}
}

// Lookup returns the pose of source expressed in target at time at. A zero at
// selects the latest time for which every edge on the path has data.
func (b *Buffer) Lookup(target, source string, at time.Time) (TransformStamped, error) {
	out := TransformStamped{Stamp: at, FrameID: target, ChildFrameID: source, Transform: spatial.Identity()}
	if target == source {
		return out, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, f := range []string{target, source} {
		if !b.knows(f) {
			return out, fmt.Errorf("%w: %q", ErrUnknownFrame, f)
		}
	}

	srcChain := b.chain(source)
	tgtChain := b.chain(target)
	inTarget := make(map[string]bool, len(tgtChain))
	for _, f := range tgtChain {
		inTarget[f] = true
	}
	ancestor := ""
	for _, f := range srcChain {
		if inTarget[f] {
			ancestor = f
			break
		}
	}
	if ancestor == "" {
		return out, fmt.Errorf("%w: %q and %q", ErrNotConnected, target, source)
	}

	if at.IsZero() {
		at = b.latestCommon(source, target, ancestor)
		out.Stamp = at
	}

	ancToSource, err := b.walk(source, ancestor, at)
	if err != nil {
		return out, err
	}
	ancToTarget, err := b.walk(target, ancestor, at)
	if err != nil {
		return out, err
	}
	out.Transform = spatial.Compose(ancToTarget.Inverse(), ancToSource)
	return out, nil
}

// Wait polls every poll interval until Lookup succeeds, timeout elapses or ctx
// is done. The returned error wraps ErrTimeout and the last lookup failure.
func (b *Buffer) Wait(ctx context.Context, target, source string, at time.Time, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		_, err := b.Lookup(target, source, at)
		if err == nil {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %v: %w", ErrTimeout, timeout, err)
		}
		wait := poll
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// Frames returns every known frame name, sorted.
func (b *Buffer) Frames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool)
	for child, e := range b.edges {
		seen[child] = true
		seen[e.parent] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parent returns the parent of frame, if it has one.
func (b *Buffer) Parent(frame string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.edges[frame]
	if !ok {
		return "", false
	}
	return e.parent, true
}

// Has reports whether frame appears in the buffer as a parent or child.
func (b *Buffer) Has(frame string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.knows(frame)
}

func (b *Buffer) knows(frame string) bool {
	if _, ok := b.edges[frame]; ok {
		return true
	}
	for _, e := range b.edges {
		if e.parent == frame {
			return true
		}
	}
	return false
}

// chain lists frame followed by its ancestors up to the root.
func (b *Buffer) chain(frame string) []string {
	out := []string{frame}
	for {
		e, ok := b.edges[frame]
		if !ok {
			return out
		}
		frame = e.parent
		out = append(out, frame)
	}
}

// latestCommon is the newest time covered by every non-static edge between
// the two frames and their common ancestor. Zero if all edges are static.
func (b *Buffer) latestCommon(source, target, ancestor string) time.Time {
	var latest time.Time
	for _, start := range []string{source, target} {
		for f := start; f != ancestor; {
			e := b.edges[f]
			if !e.static {
				newest := e.samples[len(e.samples)-1].stamp
				if latest.IsZero() || newest.Before(latest) {
					latest = newest
				}
			}
			f = e.parent
		}
	}
	return latest
}

// walk composes edges from ancestor down to frame, giving frame's pose in ancestor.
func (b *Buffer) walk(frame, ancestor string, at time.Time) (spatial.Transform, error) {
	acc := spatial.Identity()
	for f := frame; f != ancestor; {
		e := b.edges[f]
		tr, err := e.at(at)
		if err != nil {
			return acc, fmt.Errorf("%s -> %s: %w", e.parent, f, err)
		}
		acc = spatial.Compose(tr, acc)
		f = e.parent
	}
	return acc, nil
}

func (e *edge) at(t time.Time) (spatial.Transform, error) {
	n := len(e.samples)
	if e.static || t.IsZero() {
		return e.samples[n-1].tr, nil
	}
	first, last := e.samples[0], e.samples[n-1]
	if t.Before(first.stamp) || t.After(last.stamp) {
		return spatial.Transform{}, fmt.Errorf("%w: requested %s, data covers [%s, %s]",
			ErrExtrapolation, t.Format(time.RFC3339Nano),
			first.stamp.Format(time.RFC3339Nano), last.stamp.Format(time.RFC3339Nano))
	}
	i := sort.Search(n, func(i int) bool { return !e.samples[i].stamp.Before(t) })
	if e.samples[i].stamp.Equal(t) {
		return e.samples[i].tr, nil
	}
	before, after := e.samples[i-1], e.samples[i]
	ratio := float64(t.Sub(before.stamp)) / float64(after.stamp.Sub(before.stamp))
	return spatial.Interpolate(before.tr, after.tr, ratio), nil
}
