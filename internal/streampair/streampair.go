// Package streampair owns the two (decoder, keystone, async worker) triples
// that make up a playback session, per spec.md §4.9: bootstrapping the
// second stream's default inset keystone, persisting both streams'
// keystone configs, and tracking which stream's keystone is under edit for
// the presenter's cycle-corner command.
package streampair

import (
	"fmt"
	"os"
	"time"

	"github.com/mjdilworth/pickle/internal/asyncworker"
	"github.com/mjdilworth/pickle/internal/decoder"
	"github.com/mjdilworth/pickle/internal/keystone"
	"github.com/mjdilworth/pickle/internal/keystoneconfig"
)

// secondStreamInsetMargin is the default fraction of the full extent that
// stream 2's keystone is inset inside stream 1 on first run.
const secondStreamInsetMargin = 0.30

// Stream bundles one video's decode session, keystone state, and optional
// async worker (nil when PICKLE_FORCE_SYNC_HW forces synchronous decode).
type Stream struct {
	Decoder    *decoder.Session
	Keystone   *keystone.State
	Async      *asyncworker.Worker
	ConfigPath string
}

// Pair owns a primary stream and an optional secondary stream, plus which
// stream's keystone currently receives edit commands.
type Pair struct {
	Primary   *Stream
	Secondary *Stream // nil in single-stream mode

	activeIsSecondary bool
}

// NewSingle wraps a single stream with an identity keystone loaded (or
// bootstrapped) from configPath.
func NewSingle(dec *decoder.Session, async *asyncworker.Worker, configPath string) (*Pair, error) {
	primary := &Stream{Decoder: dec, Keystone: keystone.New(), Async: async, ConfigPath: configPath}
	if err := loadOrBootstrap(primary, nil); err != nil {
		return nil, err
	}
	return &Pair{Primary: primary}, nil
}

// NewDual wraps a primary and a secondary stream. On secondary init it
// attempts to load both streams' keystone configs; if either is missing,
// it installs the defaults (primary full-screen, secondary inset by
// secondStreamInsetMargin) and saves both.
func NewDual(primaryDec *decoder.Session, primaryAsync *asyncworker.Worker, primaryConfigPath string,
	secondaryDec *decoder.Session, secondaryAsync *asyncworker.Worker, secondaryConfigPath string) (*Pair, error) {

	primary := &Stream{Decoder: primaryDec, Keystone: keystone.New(), Async: primaryAsync, ConfigPath: primaryConfigPath}
	secondary := &Stream{Decoder: secondaryDec, Keystone: keystone.New(), Async: secondaryAsync, ConfigPath: secondaryConfigPath}

	if err := loadOrBootstrap(primary, secondary); err != nil {
		return nil, err
	}
	return &Pair{Primary: primary, Secondary: secondary}, nil
}

// loadOrBootstrap attempts to load primary's (and, if non-nil, secondary's)
// keystone config. If either file is missing, it installs the default
// layout for both and saves them; a genuine (non-missing-file) load error
// is returned as-is.
func loadOrBootstrap(primary, secondary *Stream) error {
	primaryCorners, err := keystoneconfig.Load(primary.ConfigPath)
	primaryMissing := os.IsNotExist(err)
	if err != nil && !primaryMissing {
		return fmt.Errorf("streampair: loading %s: %w", primary.ConfigPath, err)
	}

	var secondaryCorners [4]keystone.Point
	secondaryMissing := true
	if secondary != nil {
		var sErr error
		secondaryCorners, sErr = keystoneconfig.Load(secondary.ConfigPath)
		secondaryMissing = os.IsNotExist(sErr)
		if sErr != nil && !secondaryMissing {
			return fmt.Errorf("streampair: loading %s: %w", secondary.ConfigPath, sErr)
		}
	}

	if primaryMissing || (secondary != nil && secondaryMissing) {
		primary.Keystone.Reset()
		if secondary != nil {
			secondary.Keystone.SetInset(secondStreamInsetMargin)
			if err := keystoneconfig.Save(secondary.ConfigPath, secondary.Keystone.Corners()); err != nil {
				return fmt.Errorf("streampair: saving %s: %w", secondary.ConfigPath, err)
			}
		}
		if err := keystoneconfig.Save(primary.ConfigPath, primary.Keystone.Corners()); err != nil {
			return fmt.Errorf("streampair: saving %s: %w", primary.ConfigPath, err)
		}
		return nil
	}

	primary.Keystone.SetCorners(primaryCorners)
	if secondary != nil {
		secondary.Keystone.SetCorners(secondaryCorners)
	}
	return nil
}

// Streams returns the active streams in render order (primary first).
func (p *Pair) Streams() []*Stream {
	if p.Secondary == nil {
		return []*Stream{p.Primary}
	}
	return []*Stream{p.Primary, p.Secondary}
}

// ActiveKeystone returns the keystone state currently gated to receive
// nudges, per the active-keystone index.
func (p *Pair) ActiveKeystone() *keystone.State {
	if p.activeIsSecondary && p.Secondary != nil {
		return p.Secondary.Keystone
	}
	return p.Primary.Keystone
}

// SelectCorner deselects every keystone's corner, then selects corner on
// the given stream index (0 = primary, 1 = secondary) and makes it active.
func (p *Pair) SelectCorner(streamIndex int, corner keystone.Corner) {
	p.Primary.Keystone.Select(keystone.None)
	if p.Secondary != nil {
		p.Secondary.Keystone.Select(keystone.None)
	}
	if streamIndex == 1 && p.Secondary != nil {
		p.activeIsSecondary = true
		p.Secondary.Keystone.Select(corner)
		return
	}
	p.activeIsSecondary = false
	p.Primary.Keystone.Select(corner)
}

// positionCount returns how many corner-select positions CycleNextCorner
// advances through: 8 (four corners x two streams) in dual-stream mode, 4
// in single-stream mode.
func (p *Pair) positionCount() int {
	if p.Secondary != nil {
		return 8
	}
	return 4
}

// currentPosition maps (activeIsSecondary, selected corner) to a linear
// index 0..positionCount()-1, or -1 if no corner is currently selected.
func (p *Pair) currentPosition() int {
	active := p.ActiveKeystone()
	sel := active.Selected()
	if sel == keystone.None {
		return -1
	}
	pos := int(sel)
	if p.activeIsSecondary {
		pos += 4
	}
	return pos
}

// CycleNextCorner advances to the next corner position in stream-major,
// corner-minor order, wrapping across streams in dual-stream mode.
func (p *Pair) CycleNextCorner() {
	count := p.positionCount()
	next := (p.currentPosition() + 1) % count
	if next < 0 {
		next += count
	}

	if next < 4 {
		p.SelectCorner(0, keystone.Corner(next))
		return
	}
	p.SelectCorner(1, keystone.Corner(next-4))
}

// Save writes both streams' current keystone corners to their config paths.
func (p *Pair) Save() error {
	if err := keystoneconfig.Save(p.Primary.ConfigPath, p.Primary.Keystone.Corners()); err != nil {
		return fmt.Errorf("streampair: saving %s: %w", p.Primary.ConfigPath, err)
	}
	if p.Secondary != nil {
		if err := keystoneconfig.Save(p.Secondary.ConfigPath, p.Secondary.Keystone.Corners()); err != nil {
			return fmt.Errorf("streampair: saving %s: %w", p.Secondary.ConfigPath, err)
		}
	}
	return nil
}

// Reset restores both streams to their default keystone layout (primary
// full-screen, secondary inset) without touching disk.
func (p *Pair) Reset() {
	p.Primary.Keystone.Reset()
	if p.Secondary != nil {
		p.Secondary.Keystone.SetInset(secondStreamInsetMargin)
	}
}

// Close tears down both streams' decoders and async workers.
func (p *Pair) Close() {
	for _, s := range p.Streams() {
		if s.Async != nil {
			s.Async.Shutdown(200 * time.Millisecond) // per spec.md §5 shutdown timeout
		}
		if s.Decoder != nil {
			s.Decoder.Close()
		}
	}
}
