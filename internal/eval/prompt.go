package eval

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const agentSystemPrompt = `You are a web browsing agent completing a task on a real website.
On each step you see the current page as extracted text. Respond with exactly one line:
NAVIGATE <url>  - to follow a link to another page
ANSWER: <text>  - when you can answer the task from what you have seen
Never invent URLs; only navigate to URLs visible on the page or given in the task.`

const maxObservationRunes = 8000

// Observation reduces a page document to the text the agent is shown:
// title, visible text and the href targets of links. Scripts and styles
// are dropped.
func Observation(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// A page the parser rejects is still an observation, just a raw one
		return truncateRunes(html, maxObservationRunes)
	}

	doc.Find("script, style, noscript").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString("TITLE: ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	b.WriteString(collapseWhitespace(body.Text()))

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(s.Text())
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if text == "" {
			text = href
		}
		links = append(links, fmt.Sprintf("[%s](%s)", text, href))
	})
	if len(links) > 0 {
		b.WriteString("\n\nLINKS:\n")
		for i, l := range links {
			if i >= 60 {
				b.WriteString("...\n")
				break
			}
			b.WriteString(l)
			b.WriteString("\n")
		}
	}

	return truncateRunes(b.String(), maxObservationRunes)
}

// collapseWhitespace squeezes runs of whitespace so the observation spends
// its budget on content.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "\n[truncated]"
}

// BuildPrompt assembles the per-step user prompt from the task, the
// current observation and the steps taken so far.
func BuildPrompt(task Task, observation string, history []string, step, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n\n", task.Prompt)
	fmt.Fprintf(&b, "STEP %d of %d\n", step, maxSteps)
	if len(history) > 0 {
		b.WriteString("PREVIOUS ACTIONS:\n")
		for _, h := range history {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nCURRENT PAGE:\n")
	b.WriteString(observation)
	b.WriteString("\n\nYour next action:")
	return b.String()
}
