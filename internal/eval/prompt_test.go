package eval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Bitcoin Price</title><style>body { color: red }</style></head>
<body>
<script>trackEverything();</script>
<h1>Bitcoin</h1>
<p>Current price: $64,321.50</p>
<a href="/en/coins/ethereum">Ethereum</a>
<a href="#top">Back to top</a>
<a href="javascript:void(0)">Noop</a>
</body>
</html>`

func TestObservation(t *testing.T) {
	obs := Observation(samplePage)

	assert.Contains(t, obs, "TITLE: Bitcoin Price")
	assert.Contains(t, obs, "$64,321.50")
	assert.Contains(t, obs, "[Ethereum](/en/coins/ethereum)")

	assert.NotContains(t, obs, "trackEverything")
	assert.NotContains(t, obs, "color: red")
	assert.NotContains(t, obs, "#top")
	assert.NotContains(t, obs, "javascript:")
}

func TestObservationCollapsesWhitespace(t *testing.T) {
	obs := Observation("<html><body><p>a\n\n\n   b</p></body></html>")
	assert.Contains(t, obs, "a b")
}

func TestObservationTruncated(t *testing.T) {
	huge := "<html><body>" + strings.Repeat("word ", 20000) + "</body></html>"
	obs := Observation(huge)
	assert.LessOrEqual(t, len([]rune(obs)), maxObservationRunes+len("\n[truncated]"))
	assert.True(t, strings.HasSuffix(obs, "[truncated]"))
}

func TestBuildPrompt(t *testing.T) {
	task := Task{ID: "t1", Prompt: "What is the price of Bitcoin?"}
	p := BuildPrompt(task, "TITLE: X", []string{"NAVIGATE /a"}, 2, 5)

	assert.Contains(t, p, "TASK: What is the price of Bitcoin?")
	assert.Contains(t, p, "STEP 2 of 5")
	assert.Contains(t, p, "NAVIGATE /a")
	assert.Contains(t, p, "TITLE: X")
	assert.True(t, strings.HasSuffix(p, "Your next action:"))
}
