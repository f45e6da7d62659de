package player_test

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mattjns/friendlink/internal/player"
	"github.com/mattjns/friendlink/internal/protocol"
)

func TestLocalPropertiesInRequestOrder(t *testing.T) {
	is := is.New(t)

	driver := newFakeDriver()
	driver.sample = player.Sample{
		Name:           "Amber",
		CellName:       "Whiterun",
		WorldSpaceName: "Tamriel",
		Location:       protocol.NewLocation(1, 2, 1, 2, 3),
	}

	local := player.NewLocal(driver)
	stream := local.Properties(
		protocol.PropWorldSpaceName,
		protocol.PropCellName,
		protocol.PropLocation,
	)

	is.True(stream.Next())
	is.Equal(stream.Property().Type, protocol.PropWorldSpaceName)
	is.Equal(protocol.UnpackString(stream.Property()), "Tamriel")

	is.True(stream.Next())
	is.Equal(stream.Property().Type, protocol.PropCellName)
	is.Equal(protocol.UnpackString(stream.Property()), "Whiterun")

	is.True(stream.Next())
	loc, err := protocol.ParseLocation(stream.Property())
	is.NoErr(err)
	is.Equal(loc, driver.sample.Location)

	is.True(!stream.Next())
	is.NoErr(stream.Err())
}

func TestLocalSetPropertiesAppliesNameAndLocation(t *testing.T) {
	is := is.New(t)

	driver := newFakeDriver()
	local := player.NewLocal(driver)

	loc := protocol.NewLocation(1, 2, 5, 6, 7)
	stream := protocol.NewStream(nil)
	stream.Append(protocol.PackString(protocol.PropName, "Lydia"))
	stream.Append(protocol.PackString(protocol.PropCellName, "ignored"))
	stream.Append(loc.ToProperty())

	is.NoErr(local.SetProperties(stream))
	is.Equal(driver.names, []string{"Lydia"})

	select {
	case got := <-driver.cellChanges:
		is.Equal(got, loc)
	default:
		t.Fatal("location not applied")
	}
}

func TestRemoteSetPropertiesFeedsTranslator(t *testing.T) {
	is := is.New(t)

	driver := newFakeDriver()
	remote := player.NewRemote(driver)
	defer remote.Close()

	loc := protocol.NewLocation(1, 2, 0, 0, 0)
	loc.Elapsed = 1000
	stream := protocol.NewStream(nil)
	stream.Append(protocol.PackString(protocol.PropName, "Faendal"))
	stream.Append(loc.ToProperty())

	is.NoErr(remote.SetProperties(stream))
	is.Equal(driver.names, []string{"Faendal"})

	// A first location is a new area, so the translator teleports the
	// proxy once its start delay passes.
	select {
	case got := <-driver.cellChanges:
		is.Equal(got, loc)
	case <-time.After(2 * time.Second):
		t.Fatal("translator never placed the proxy")
	}
}

func TestCompare(t *testing.T) {
	is := is.New(t)

	driver := newFakeDriver()
	local := player.NewLocal(driver)

	is.True(local.Compare(driver))
	is.True(!local.Compare("someone else"))
}
