// Package integration contains end-to-end tests that drive a running relay
// over real TCP and WebSocket connections.
package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat/internal/protocol"
	"github.com/Tyrowin/gochat/test/testhelpers"
)

const quiet = 200 * time.Millisecond

// TestJoinScenario follows a client joining with the literal wire record and
// a second client trying the same name afterwards.
func TestJoinScenario(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	amy := testhelpers.DialTCP(t, relay.TCPAddr)
	amy.SendRaw(t, `{"type":"join","from":"amy","to":null,"text":null,"ts":0}`)
	testhelpers.ExpectSystem(t, amy, "amy joined")
	testhelpers.ExpectUserList(t, amy, "amy")

	impostor := testhelpers.DialTCP(t, relay.TCPAddr)
	relay.WaitForSessions(t, 2)
	testhelpers.Join(t, impostor, "amy")

	got := impostor.ReadUntilClosed(t)
	if len(got) != 1 || got[0].Type != protocol.TypeSys || got[0].Text != "Username already used" {
		t.Fatalf("Expected a single rejection notice, got %+v", got)
	}

	testhelpers.ExpectSilence(t, amy, quiet)
	relay.WaitForSessions(t, 1)
	if names := relay.Hub.Registry().Names(); len(names) != 1 || names[0] != "amy" {
		t.Errorf("Expected only amy registered, got %v", names)
	}
}

// TestConcurrentDuplicateJoins races several clients for one name.
func TestConcurrentDuplicateJoins(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	const contenders = 8
	clients := make([]*testhelpers.LineClient, contenders)
	for i := range clients {
		clients[i] = testhelpers.DialTCP(t, relay.TCPAddr)
	}
	relay.WaitForSessions(t, contenders)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testhelpers.LineClient) {
			defer wg.Done()
			<-start
			testhelpers.Join(t, c, "amy")
		}(c)
	}
	close(start)
	wg.Wait()

	relay.WaitForSessions(t, 1)

	winners := 0
	for _, c := range clients {
		got, closed := c.Collect(t, quiet)
		rejected := false
		for _, env := range got {
			if env.Type == protocol.TypeSys && env.Text == "amy left" {
				t.Errorf("Unexpected departure notice: %+v", env)
			}
			if env.Type == protocol.TypeSys && env.Text == "Username already used" {
				rejected = true
			}
		}
		if rejected != closed {
			t.Errorf("Rejected clients must be closed and winners kept: rejected=%v closed=%v", rejected, closed)
		}
		if !rejected {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}

func TestUserListIsSorted(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	observer := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, observer, "zed")
	testhelpers.ExpectSystem(t, observer, "zed joined")
	testhelpers.ExpectUserList(t, observer, "zed")

	for _, name := range []string{"cid", "amy", "bob"} {
		c := testhelpers.DialTCP(t, relay.TCPAddr)
		testhelpers.Join(t, c, name)
		testhelpers.ExpectSystem(t, observer, name+" joined")
		observer.Next(t)
	}

	names := relay.Hub.Registry().Names()
	want := []string{"amy", "bob", "cid", "zed"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, names)
	}

	last := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, last, "dan")
	testhelpers.ExpectSystem(t, observer, "dan joined")
	testhelpers.ExpectUserList(t, observer, "amy", "bob", "cid", "dan", "zed")
}

func TestMessageBeforeJoinIsNotBroadcast(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	amy := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, amy, "amy")
	testhelpers.ExpectSystem(t, amy, "amy joined")
	testhelpers.ExpectUserList(t, amy, "amy")

	stranger := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Send(t, stranger, protocol.Envelope{Type: protocol.TypeMsg, Text: "hello?"})
	testhelpers.ExpectSystem(t, stranger, "You must join first")

	testhelpers.ExpectSilence(t, amy, quiet)
}

func TestPrivateMessageDeliveries(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	amy := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, amy, "amy")
	testhelpers.ExpectSystem(t, amy, "amy joined")
	testhelpers.ExpectUserList(t, amy, "amy")

	bob := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, bob, "bob")
	for _, c := range []*testhelpers.LineClient{amy, bob} {
		testhelpers.ExpectSystem(t, c, "bob joined")
		testhelpers.ExpectUserList(t, c, "amy", "bob")
	}

	cid := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, cid, "cid")
	for _, c := range []*testhelpers.LineClient{amy, bob, cid} {
		testhelpers.ExpectSystem(t, c, "cid joined")
		testhelpers.ExpectUserList(t, c, "amy", "bob", "cid")
	}

	testhelpers.Send(t, amy, protocol.Envelope{Type: protocol.TypePM, To: "bob", Text: "psst"})
	for _, c := range []*testhelpers.LineClient{amy, bob} {
		env := c.Next(t)
		if env.Type != protocol.TypePM || env.From != "amy" || env.To != "bob" || env.Text != "psst" {
			t.Errorf("Unexpected pm delivery %+v", env)
		}
	}
	testhelpers.ExpectSilence(t, cid, quiet)

	testhelpers.Send(t, amy, protocol.Envelope{Type: protocol.TypePM, To: "amy", Text: "note to self"})
	if env := amy.Next(t); env.Text != "note to self" {
		t.Errorf("Unexpected self pm %+v", env)
	}
	testhelpers.ExpectSilence(t, amy, quiet)

	testhelpers.Send(t, amy, protocol.Envelope{Type: protocol.TypePM, To: "nobody", Text: "hello"})
	testhelpers.ExpectSystem(t, amy, "User nobody not found")
}

func TestLeaveThenCloseAnnouncesOnce(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	amy := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, amy, "amy")
	testhelpers.ExpectSystem(t, amy, "amy joined")
	testhelpers.ExpectUserList(t, amy, "amy")

	bob := testhelpers.DialTCP(t, relay.TCPAddr)
	testhelpers.Join(t, bob, "bob")
	testhelpers.ExpectSystem(t, amy, "bob joined")
	testhelpers.ExpectUserList(t, amy, "amy", "bob")

	testhelpers.Send(t, bob, protocol.Envelope{Type: protocol.TypeLeave})
	_ = bob.Close()

	testhelpers.ExpectSystem(t, amy, "bob left")
	testhelpers.ExpectUserList(t, amy, "amy")
	testhelpers.ExpectSilence(t, amy, quiet)
	relay.WaitForSessions(t, 1)
}

func TestMalformedInputKeepsConnectionOpen(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil)

	amy := testhelpers.DialTCP(t, relay.TCPAddr)
	amy.SendRaw(t, "this is not json")
	amy.SendRaw(t, `{"type":"dance","from":"amy"}`)
	amy.SendRaw(t, "")
	testhelpers.Join(t, amy, "amy")
	testhelpers.ExpectSystem(t, amy, "amy joined")
	testhelpers.ExpectUserList(t, amy, "amy")

	amy.SendRaw(t, `{"TYPE":"msg","Text":"mixed case keys"}`)
	env := amy.Next(t)
	if env.Type != protocol.TypeMsg || env.From != "amy" || env.Text != "mixed case keys" {
		t.Errorf("Unexpected broadcast %+v", env)
	}
}
