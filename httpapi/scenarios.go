package httpapi

import (
	"fmt"
	"hash/fnv"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"pkt.systems/screenstream/schema"
)

// mockStream is the scripted output of one generation.
type mockStream struct {
	text string
	// fail, when set, is sent as an error envelope after text.
	fail string
	// truncate ends the body after text without usage or done.
	truncate bool
}

type mockScenario struct {
	name string
	// explicit scenarios are only served when requested by name.
	explicit bool
	build    func(req schema.GenerateRequest) mockStream
}

func buildScenarios() []mockScenario {
	return []mockScenario{
		{name: "landing", build: scenarioLanding},
		{name: "edit", build: scenarioEdit},
		{name: "relaxed", build: scenarioRelaxed},
		{name: "chatty", build: scenarioChatty},
		{name: "truncated", build: scenarioTruncated},
		{name: "failure", explicit: true, build: scenarioFailure},
	}
}

// ScenarioNames lists the scenarios the mock server can play.
func ScenarioNames() []string {
	scenarios := buildScenarios()
	out := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.name)
	}
	return out
}

func pickScenario(req schema.GenerateRequest, scenarios []mockScenario) (mockScenario, error) {
	if req.Scenario != "" {
		for _, s := range scenarios {
			if s.name == req.Scenario {
				return s, nil
			}
		}
		return mockScenario{}, fmt.Errorf("%w: unknown scenario %q", schema.ErrInvalidRequest, req.Scenario)
	}
	pool := make([]mockScenario, 0, len(scenarios))
	for _, s := range scenarios {
		if !s.explicit {
			pool = append(pool, s)
		}
	}
	if len(req.Screens) > 0 {
		for _, s := range pool {
			if s.name == "edit" {
				return s, nil
			}
		}
	}
	seed := hashSeed(req.Prompt, string(req.Model), string(req.ProjectID))
	return pool[int(seed%uint64(len(pool)))], nil
}

func hashSeed(prompt, model, project string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(prompt))
	_, _ = hasher.Write([]byte(model))
	_, _ = hasher.Write([]byte(project))
	return hasher.Sum64()
}

func scenarioLanding(req schema.GenerateRequest) mockStream {
	var b strings.Builder
	b.WriteString("<!-- PROJECT_NAME: " + projectTitle(req.Prompt) + " -->\n")
	b.WriteString("<!-- PROJECT_ICON: sparkles -->\n")
	b.WriteString("<!-- MESSAGE: Sketching a landing page and a sign in screen. -->\n")
	b.WriteString("<!-- SCREEN_START: Landing [0,0] [ROOT] -->\n")
	b.WriteString("<main class=\"landing\">\n  <h1>" + projectTitle(req.Prompt) + "</h1>\n")
	b.WriteString("  <p>" + html.EscapeString(req.Prompt) + "</p>\n")
	b.WriteString("  <a class=\"cta\" href=\"#signin\">Get started</a>\n</main>\n")
	b.WriteString("<!-- SCREEN_END -->\n")
	b.WriteString("<!-- SCREEN_START: Sign In [1,0] -->\n")
	b.WriteString("<form id=\"signin\">\n  <input type=\"email\" placeholder=\"Email\">\n  <button>Continue</button>\n</form>\n")
	b.WriteString("<!-- SCREEN_END -->\n")
	return mockStream{text: b.String()}
}

func scenarioEdit(req schema.GenerateRequest) mockStream {
	name := "Home"
	if len(req.Screens) > 0 {
		name = req.Screens[0].Name
	}
	var b strings.Builder
	b.WriteString("<!-- MESSAGE: Updating " + name + ". -->\n")
	b.WriteString("<!-- SCREEN_EDIT: " + name + " -->\n")
	b.WriteString("<main class=\"edited\">\n  <h1>" + html.EscapeString(name) + "</h1>\n")
	b.WriteString("  <p>" + html.EscapeString(req.Prompt) + "</p>\n</main>\n")
	b.WriteString("<!-- SCREEN_END -->\n")
	return mockStream{text: b.String()}
}

// scenarioRelaxed emits start tags in the loose forms models produce: missing
// closing marker, missing spaces and extra padding.
func scenarioRelaxed(req schema.GenerateRequest) mockStream {
	var b strings.Builder
	b.WriteString("<!-- MESSAGE: Drafting pricing and checkout. -->\n")
	b.WriteString("<!-- SCREEN_START: Pricing [0,0] [ROOT]\n")
	b.WriteString("<section class=\"pricing\">\n  <h2>Plans</h2>\n  <p>" + html.EscapeString(req.Prompt) + "</p>\n</section>\n")
	b.WriteString("<!--SCREEN_END-->\n")
	b.WriteString("<!--SCREEN_START:Checkout [1,0]-->\n")
	b.WriteString("<form class=\"checkout\"><button>Pay</button></form>\n")
	b.WriteString("<!--   SCREEN_END   -->\n")
	return mockStream{text: b.String()}
}

// scenarioChatty interleaves messages and plain comments with screen markup.
func scenarioChatty(req schema.GenerateRequest) mockStream {
	var b strings.Builder
	b.WriteString("Sure! Here is a first pass.\n")
	b.WriteString("<!-- MESSAGE: Starting with the inbox. -->\n")
	b.WriteString("<!-- SCREEN_START: Inbox [0,0] [ROOT] -->\n")
	b.WriteString("<!-- layout: two columns -->\n")
	b.WriteString("<main class=\"inbox\">\n  <ul><li>" + html.EscapeString(req.Prompt) + "</li></ul>\n")
	b.WriteString("<!-- MESSAGE: Adding the reading pane. -->\n")
	b.WriteString("  <article></article>\n</main>\n")
	b.WriteString("<!-- SCREEN_END -->\n")
	b.WriteString("<!-- MESSAGE: Now the compose view. -->\n")
	b.WriteString("<!-- SCREEN_START: Compose -->\n")
	b.WriteString("<form class=\"compose\"><textarea></textarea></form>\n")
	b.WriteString("<!-- SCREEN_END -->\n")
	b.WriteString("Let me know what to change.\n")
	return mockStream{text: b.String()}
}

// scenarioTruncated stops mid-screen, as when the upstream hits its output
// limit and closes the body.
func scenarioTruncated(req schema.GenerateRequest) mockStream {
	var b strings.Builder
	b.WriteString("<!-- MESSAGE: Building the dashboard. -->\n")
	b.WriteString("<!-- SCREEN_START: Dashboard [0,0] [ROOT] -->\n")
	b.WriteString("<main class=\"dashboard\">\n  <h1>" + html.EscapeString(req.Prompt) + "</h1>\n")
	b.WriteString("  <section class=\"charts\">\n")
	return mockStream{text: b.String(), truncate: true}
}

func scenarioFailure(req schema.GenerateRequest) mockStream {
	full := scenarioLanding(req).text
	cut := strings.Index(full, "<!-- SCREEN_END -->")
	if cut < 0 {
		cut = len(full) / 2
	}
	return mockStream{text: full[:cut], fail: "upstream model overloaded"}
}

// projectTitle derives a short title from the first words of the prompt.
func projectTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 3 {
		words = words[:3]
	}
	for i, word := range words {
		word = strings.Trim(word, ".,;:!?\"'<>-")
		if word == "" {
			words[i] = ""
			continue
		}
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + word[size:]
	}
	title := strings.Join(strings.Fields(strings.Join(words, " ")), " ")
	if title == "" {
		return "Untitled Project"
	}
	return html.EscapeString(title)
}

// approxTokens estimates tokens as one per four bytes.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
