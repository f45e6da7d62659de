package player

import (
	"github.com/mattjns/friendlink/internal/protocol"
)

// Local wraps the avatar this client controls. Property reads sample the
// host; property writes go straight to the host object.
type Local struct {
	driver WorldDriver
}

func NewLocal(driver WorldDriver) *Local {
	return &Local{driver: driver}
}

// Properties samples the host once and packs the requested types, in
// request order, into a stream.
func (p *Local) Properties(types ...protocol.PropertyType) *protocol.Stream {
	sample := p.driver.Sample()

	stream := protocol.NewStream(nil)
	for _, t := range types {
		switch t {
		case protocol.PropName:
			stream.Append(protocol.PackString(t, sample.Name))
		case protocol.PropCellName:
			stream.Append(protocol.PackString(t, sample.CellName))
		case protocol.PropWorldSpaceName:
			stream.Append(protocol.PackString(t, sample.WorldSpaceName))
		case protocol.PropLocation:
			stream.Append(sample.Location.ToProperty())
		case protocol.PropLoadedState:
			stream.Append(sample.LoadedState.ToProperty())
		}
	}
	return stream
}

// SetProperties applies name and location updates to the host object and
// ignores the other property types.
func (p *Local) SetProperties(stream *protocol.Stream) error {
	for stream.Next() {
		prop := stream.Property()
		switch prop.Type {
		case protocol.PropName:
			p.driver.SetName(protocol.UnpackString(prop))
		case protocol.PropLocation:
			loc, err := protocol.ParseLocation(prop)
			if err != nil {
				return err
			}
			p.setLocation(loc)
		}
	}
	return stream.Err()
}

func (p *Local) setLocation(loc protocol.Location) {
	p.driver.ChangeCellTo(loc)
}

// Compare reports whether ref is the host object behind this avatar.
func (p *Local) Compare(ref any) bool {
	return p.driver.Same(ref)
}

// Remote is a peer's avatar: the same property surface as Local, but
// location updates feed a translator instead of teleporting the proxy.
type Remote struct {
	Local
	translator *Translator
}

func NewRemote(driver WorldDriver) *Remote {
	return &Remote{
		Local:      Local{driver: driver},
		translator: NewTranslator(driver),
	}
}

func (p *Remote) SetProperties(stream *protocol.Stream) error {
	for stream.Next() {
		prop := stream.Property()
		switch prop.Type {
		case protocol.PropName:
			p.driver.SetName(protocol.UnpackString(prop))
		case protocol.PropLocation:
			loc, err := protocol.ParseLocation(prop)
			if err != nil {
				return err
			}
			p.translator.To(loc)
		}
	}
	return stream.Err()
}

func (p *Remote) MarkTranslationComplete() {
	p.translator.MarkTranslationComplete()
}

func (p *Remote) Translator() *Translator {
	return p.translator
}

// Close stops the translator; the proxy object itself belongs to the host.
func (p *Remote) Close() {
	p.translator.Close()
}
