package player

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/sharing"
)

const (
	// movementThreshold is the distance under which a future is applied
	// without engine motion. From experiments.
	movementThreshold = 5
	// speedScale converts distance-per-received-millisecond into the
	// engine's units-per-second motion speed.
	speedScale = 1050

	translationDelay = 0 * time.Millisecond
	startDelay       = 100 * time.Millisecond
)

// Translator drives one remote proxy through a queue of authoritative
// future locations, translating smoothly inside an area and teleporting
// across area changes.
//
// The host reports engine motion completion through
// MarkTranslationComplete; the doubled deadline bounds the backlog even
// when that signal never arrives.
type Translator struct {
	driver WorldDriver
	future *sharing.FixedQueue

	current protocol.Location

	deadlineMu sync.Mutex
	endSingle  time.Time
	endDouble  time.Time

	translatingComplete atomic.Bool
	stopped             atomic.Bool
	exit                atomic.Bool
	wg                  sync.WaitGroup
}

// NewTranslator starts the update loop. The first motion waits out a short
// start delay so the proxy exists host-side before it is driven.
func NewTranslator(driver WorldDriver) *Translator {
	t := &Translator{
		driver: driver,
		future: sharing.NewFixedQueue(0),
	}
	t.translatingComplete.Store(true)
	t.setEndTime(startDelay)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.updateLoop()
	}()
	return t
}

// To submits the next authoritative location. Producer goroutine only; the
// queue drops the submission when the loop has a backlog of five.
func (t *Translator) To(loc protocol.Location) {
	data, _ := loc.MarshalBinary() // cannot fail
	t.future.Push(data)
}

// MarkTranslationComplete is the host's signal that the engine finished the
// motion started by the last TranslateTo.
func (t *Translator) MarkTranslationComplete() {
	t.translatingComplete.Store(true)
}

// Stop drains the in-flight motion and pauses consumption of new futures.
func (t *Translator) Stop() {
	t.stopped.Store(true)
	t.wait()
}

// Start resumes consumption after Stop.
func (t *Translator) Start() {
	t.stopped.Store(false)
}

// Close ends the update loop and joins it.
func (t *Translator) Close() {
	t.exit.Store(true)
	t.wg.Wait()
}

func (t *Translator) updateLoop() {
	for !t.exit.Load() {
		if t.stopped.Load() {
			time.Sleep(time.Millisecond)
			continue
		}

		data, ok := t.future.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		future := protocol.Location{}
		if err := future.UnmarshalBinary(data); err != nil {
			continue
		}
		// Discard futures that are not newer than what's applied.
		if protocol.TimeSubtract(future, t.current) > 1 {
			t.futureToCurrent(future)
		}
	}
}

func (t *Translator) futureToCurrent(future protocol.Location) {
	if !t.isNewCell(future) && t.driver.CellAttached(future) {
		t.translate(future)
	} else {
		t.changeLoadedArea(future)
	}
}

// isNewCell decides teleport versus translate. Crossing into or out of an
// interior cell, or into another world space, needs a load; moving between
// attached exterior cells of one world space does not.
func (t *Translator) isNewCell(future protocol.Location) bool {
	isNewCell := !protocol.InSameCell(future, t.current) &&
		(t.driver.CellInterior(future) || t.driver.CellInterior(t.current))
	isNewWorld := !protocol.InSameWorldSpace(future, t.current)
	return isNewWorld || isNewCell
}

func (t *Translator) changeLoadedArea(future protocol.Location) {
	ms := protocol.TimeSubtract(future, t.current)
	t.wait()
	t.current = future
	t.setEndTime(time.Duration(ms) * time.Millisecond)
	time.Sleep(time.Duration(ms) * time.Millisecond / 5)
	t.driver.ChangeCellTo(future)
	time.Sleep(time.Duration(ms) * time.Millisecond / 5)
}

func (t *Translator) translate(future protocol.Location) {
	ms := protocol.TimeSubtract(future, t.current)
	distance := protocol.DistanceBetween(future, t.current)
	if distance > movementThreshold {
		t.wait()
		t.driver.TranslateTo(future, distance*speedScale/float32(ms))
		t.translatingComplete.Store(false)
	}
	t.current = future
	t.setEndTime(time.Duration(ms) * time.Millisecond)
}

// wait polls until the engine reports the previous motion done, bounded by
// the doubled deadline for hosts that never report.
func (t *Translator) wait() {
	for {
		t.deadlineMu.Lock()
		endSingle, endDouble := t.endSingle, t.endDouble
		t.deadlineMu.Unlock()

		now := time.Now()
		if !endDouble.After(now) {
			return
		}
		if !endSingle.After(now) && t.translatingComplete.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *Translator) setEndTime(d time.Duration) {
	now := time.Now()
	t.deadlineMu.Lock()
	t.endSingle = now.Add(d + translationDelay)
	t.endDouble = now.Add(2*d + translationDelay)
	t.deadlineMu.Unlock()
}
