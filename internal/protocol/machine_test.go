package protocol

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"pkt.systems/screenstream/schema"
)

type recordingSink struct {
	events    []string
	messages  []string
	names     []string
	icons     []string
	opened    []schema.ScreenHeader
	updates   []string
	completed []schema.Screen
}

func (r *recordingSink) OnMessage(text string) {
	r.messages = append(r.messages, text)
	r.events = append(r.events, "message:"+text)
}

func (r *recordingSink) OnProjectName(name string) {
	r.names = append(r.names, name)
	r.events = append(r.events, "name:"+name)
}

func (r *recordingSink) OnProjectIcon(icon string) {
	r.icons = append(r.icons, icon)
	r.events = append(r.events, "icon:"+icon)
}

func (r *recordingSink) OnScreenOpened(header schema.ScreenHeader) {
	r.opened = append(r.opened, header)
	r.events = append(r.events, fmt.Sprintf("open:%s:%t", header.Name, header.IsEdit))
}

func (r *recordingSink) OnScreenUpdated(header schema.ScreenHeader, html string) {
	r.updates = append(r.updates, html)
}

func (r *recordingSink) OnScreenCompleted(screen schema.Screen) {
	r.completed = append(r.completed, screen)
	r.events = append(r.events, "done:"+screen.Name)
}

func feedAll(chunks ...string) (*Machine, *recordingSink) {
	sink := &recordingSink{}
	machine := NewMachine(sink, nil)
	for _, chunk := range chunks {
		machine.Feed(chunk)
	}
	return machine, sink
}

func screenSummary(screens []schema.Screen) []string {
	out := make([]string, 0, len(screens))
	for _, s := range screens {
		grid := "-"
		if s.HasGrid() {
			grid = fmt.Sprintf("%d,%d", *s.GridCol, *s.GridRow)
		}
		out = append(out, fmt.Sprintf("%s|%t|%t|%s|%s", s.Name, s.IsEdit, s.IsRoot, grid, s.HTML))
	}
	return out
}

func TestMachineSplitMidTag(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_ST", "ART: Home -->bo", "dy<!-- SCREEN_END -->")
	if len(sink.completed) != 1 {
		t.Fatalf("expected 1 screen, got %d", len(sink.completed))
	}
	got := sink.completed[0]
	if got.Name != "Home" || got.HTML != "body" || got.IsEdit {
		t.Fatalf("unexpected screen: %+v", got)
	}
}

const fullDocument = "Sure, here is your app.\n" +
	"<!-- PROJECT_NAME: Trail Log -->\n" +
	"<!-- PROJECT_ICON: 🥾 -->\n" +
	"<!-- MESSAGE: Building three screens. -->\n" +
	"<!-- SCREEN_START: Home [0,0] [ROOT] -->\n" +
	"<main><h1>Trails</h1><!-- hero --></main>\n" +
	"<!-- SCREEN_END -->\n" +
	"<!-- SCREEN_START: Detail [1,0]\n" +
	"<section><!-- MESSAGE: Adding map. --><div id=\"map\"></div></section>\n" +
	"<!-- SCREEN_END -->\n" +
	"<!-- SCREEN_EDIT: Settings -->\n" +
	"<form><input name=\"unit\"></form>\n" +
	"<!--SCREEN_END-->\n" +
	"All done."

func TestMachineChunkBoundaryIndependence(t *testing.T) {
	whole, wholeSink := feedAll(fullDocument)
	want := screenSummary(whole.Screens())
	if len(want) != 3 {
		t.Fatalf("expected 3 screens from whole document, got %v", want)
	}
	wantMessages := wholeSink.messages
	for split := 1; split < len(fullDocument); split++ {
		machine, sink := feedAll(fullDocument[:split], fullDocument[split:])
		if got := screenSummary(machine.Screens()); !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: screens = %v, want %v", split, got, want)
		}
		if !reflect.DeepEqual(sink.messages, wantMessages) {
			t.Fatalf("split at %d: messages = %q, want %q", split, sink.messages, wantMessages)
		}
	}
	for size := 1; size <= 7; size++ {
		var chunks []string
		for i := 0; i < len(fullDocument); i += size {
			end := i + size
			if end > len(fullDocument) {
				end = len(fullDocument)
			}
			chunks = append(chunks, fullDocument[i:end])
		}
		machine, _ := feedAll(chunks...)
		if got := screenSummary(machine.Screens()); !reflect.DeepEqual(got, want) {
			t.Fatalf("chunk size %d: screens = %v, want %v", size, got, want)
		}
	}
}

func TestMachineDecodesFullDocument(t *testing.T) {
	machine, sink := feedAll(fullDocument)
	want := []string{
		"Home|false|true|0,0|<main><h1>Trails</h1><!-- hero --></main>",
		"Detail|false|false|1,0|<section><div id=\"map\"></div></section>",
		"Settings|true|false|-|<form><input name=\"unit\"></form>",
	}
	if got := screenSummary(machine.Screens()); !reflect.DeepEqual(got, want) {
		t.Fatalf("screens = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(sink.messages, []string{"Building three screens.", "Adding map."}) {
		t.Fatalf("unexpected messages: %q", sink.messages)
	}
	if !reflect.DeepEqual(sink.names, []string{"Trail Log"}) || !reflect.DeepEqual(sink.icons, []string{"🥾"}) {
		t.Fatalf("unexpected project metadata: names=%q icons=%q", sink.names, sink.icons)
	}
	if machine.Mode() != ModeIdle {
		t.Fatalf("expected idle after document, got %s", machine.Mode())
	}
}

func TestMachineMultipleScreensInOneChunk(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_START: A -->one<!-- SCREEN_END --><!-- SCREEN_START: B -->two<!-- SCREEN_END --><!-- SCREEN_START: C -->")
	if len(sink.completed) != 2 {
		t.Fatalf("expected 2 completed screens, got %d", len(sink.completed))
	}
	if sink.completed[0].Name != "A" || sink.completed[0].HTML != "one" {
		t.Fatalf("unexpected first screen: %+v", sink.completed[0])
	}
	if sink.completed[1].Name != "B" || sink.completed[1].HTML != "two" {
		t.Fatalf("unexpected second screen: %+v", sink.completed[1])
	}
	wantEvents := []string{"open:A:false", "done:A", "open:B:false", "done:B", "open:C:false"}
	if !reflect.DeepEqual(sink.events, wantEvents) {
		t.Fatalf("events = %v, want %v", sink.events, wantEvents)
	}
}

func TestMachineRelaxedStartTag(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_START: Profile\n<p>hi</p><!-- SCREEN_END -->")
	if len(sink.completed) != 1 {
		t.Fatalf("expected 1 screen, got %d", len(sink.completed))
	}
	if sink.completed[0].Name != "Profile" || sink.completed[0].HTML != "<p>hi</p>" {
		t.Fatalf("unexpected screen: %+v", sink.completed[0])
	}
}

func TestMachineOpenedBeforeHTML(t *testing.T) {
	machine, sink := feedAll("<!-- SCREEN_EDIT: Cart [2,1] -->")
	if len(sink.opened) != 1 {
		t.Fatalf("expected opened notification, got %d", len(sink.opened))
	}
	header := sink.opened[0]
	if header.Name != "Cart" || !header.IsEdit || !header.HasGrid() || *header.GridCol != 2 || *header.GridRow != 1 {
		t.Fatalf("unexpected header: %+v", header)
	}
	if len(sink.updates) != 0 {
		t.Fatalf("expected no html updates yet, got %q", sink.updates)
	}
	if machine.Mode() != ModeInScreen {
		t.Fatalf("expected in_screen, got %s", machine.Mode())
	}
}

func TestMachinePartialUpdatesGrow(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_START: Feed -->", "<ul>", "<li>1</li><", "!-- SCREEN_END -->")
	want := []string{"<ul>", "<ul><li>1</li>"}
	if !reflect.DeepEqual(sink.updates, want) {
		t.Fatalf("updates = %q, want %q", sink.updates, want)
	}
	if len(sink.completed) != 1 || sink.completed[0].HTML != "<ul><li>1</li>" {
		t.Fatalf("unexpected completion: %+v", sink.completed)
	}
}

func TestMachineIgnoresEndTagWhileIdle(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_END --><!-- SCREEN_START: A -->x<!-- SCREEN_END -->")
	if len(sink.completed) != 1 || sink.completed[0].HTML != "x" {
		t.Fatalf("unexpected screens: %+v", sink.completed)
	}
}

func TestMachineIgnoresStartTagInsideScreen(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_START: Outer -->a<!-- SCREEN_START: Inner -->b<!-- SCREEN_END -->")
	if len(sink.completed) != 1 {
		t.Fatalf("expected one screen, got %+v", sink.completed)
	}
	got := sink.completed[0]
	if got.Name != "Outer" || got.HTML != "a<!-- SCREEN_START: Inner -->b" {
		t.Fatalf("unexpected screen: %+v", got)
	}
}

func TestMachineEarlierEditWinsOverLaterStart(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_EDIT: A -->x<!-- SCREEN_END --><!-- SCREEN_START: B -->y<!-- SCREEN_END -->")
	want := []string{"open:A:true", "done:A", "open:B:false", "done:B"}
	if !reflect.DeepEqual(sink.events, want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}
}

func TestMachineKeepsDuplicateNames(t *testing.T) {
	machine, _ := feedAll("<!-- SCREEN_START: Home -->v1<!-- SCREEN_END --><!-- SCREEN_START: Home -->v2<!-- SCREEN_END -->")
	screens := machine.Screens()
	if len(screens) != 2 || screens[0].HTML != "v1" || screens[1].HTML != "v2" {
		t.Fatalf("expected two independent screens, got %+v", screens)
	}
}

func TestMachineCompactsIdleBuffer(t *testing.T) {
	machine, _ := feedAll(strings.Repeat("chatter ", 100), "<!-- SCREEN_ST")
	if machine.Pending() != "<!-- SCREEN_ST" {
		t.Fatalf("expected only the partial tag to be retained, got %q", machine.Pending())
	}
}

func TestMachineScreensAreSnapshots(t *testing.T) {
	machine, sink := feedAll("<!-- SCREEN_START: A [1,1] -->x<!-- SCREEN_END -->")
	*sink.completed[0].GridCol = 9
	if got := *machine.Screens()[0].GridCol; got != 1 {
		t.Fatalf("callback consumer mutated machine state: col=%d", got)
	}
}

func TestMachineRepeatedMetadataTagsInOneChunk(t *testing.T) {
	_, sink := feedAll("<!-- PROJECT_NAME: A --><!-- PROJECT_NAME: B --><!-- PROJECT_ICON: x --><!-- PROJECT_ICON: y -->")
	if !reflect.DeepEqual(sink.names, []string{"A", "B"}) || !reflect.DeepEqual(sink.icons, []string{"x", "y"}) {
		t.Fatalf("names=%v icons=%v", sink.names, sink.icons)
	}
	want := []string{"name:A", "icon:x", "name:B", "icon:y"}
	if !reflect.DeepEqual(sink.events, want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}

	_, split := feedAll("<!-- PROJECT_NAME: A -->", "<!-- PROJECT_NAME: B -->")
	if !reflect.DeepEqual(split.names, sink.names) {
		t.Fatalf("split names = %v, want %v", split.names, sink.names)
	}
}

func TestMachineRepeatedMetadataTagsInsideScreen(t *testing.T) {
	_, sink := feedAll("<!-- SCREEN_START: A -->" +
		"<!-- PROJECT_ICON: x --><!-- PROJECT_ICON: y -->" +
		"<!-- PROJECT_NAME: P --><!-- PROJECT_NAME: Q -->body<!-- SCREEN_END -->")
	if len(sink.completed) != 1 || sink.completed[0].HTML != "body" {
		t.Fatalf("unexpected screens: %+v", sink.completed)
	}
	if !reflect.DeepEqual(sink.icons, []string{"x", "y"}) || !reflect.DeepEqual(sink.names, []string{"P", "Q"}) {
		t.Fatalf("names=%v icons=%v", sink.names, sink.icons)
	}
}
