// Package player adapts avatars between the host game and the relay
// protocol: sampling the local player into property streams and driving
// remote proxies smoothly through received locations.
package player

import "github.com/mattjns/friendlink/internal/protocol"

// Sample is one reading of an avatar's game-side state.
type Sample struct {
	Name           string
	CellName       string
	WorldSpaceName string
	Location       protocol.Location
	LoadedState    protocol.LoadedState
}

// WorldDriver is the surface the host game exposes for one avatar object.
// Implementations bridge to the engine; everything here stays engine
// agnostic.
type WorldDriver interface {
	// Sample reads the avatar's current state.
	Sample() Sample
	// SetName renames the avatar's in-game object.
	SetName(name string)
	// ChangeCellTo teleports the avatar to the location's cell and
	// coordinates.
	ChangeCellTo(loc protocol.Location)
	// TranslateTo starts an engine-side motion toward loc at speed units
	// per second. Completion is reported back through the translator.
	TranslateTo(loc protocol.Location, speed float32)
	// CellAttached reports whether the location's cell is currently
	// loaded in the host world. False for empty locations.
	CellAttached(loc protocol.Location) bool
	// CellInterior reports whether the location's cell is an interior.
	// False for empty locations.
	CellInterior(loc protocol.Location) bool
	// Same reports whether ref is the host object this driver wraps.
	Same(ref any) bool
}
