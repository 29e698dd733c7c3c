package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rhuss/tabula/pkg/describe"
)

const systemPrompt = `You write Python programs that answer questions about a CSV file.

RULES:
- Use pandas for data handling and matplotlib for charts.
- Load the data with pd.read_csv(INPUT_PATH). INPUT_PATH and OUTPUT_PATH are predefined variables; never hard-code file names.
- Print every answer to stdout with print(). Keep printed output short and readable.
- When a chart helps, call matplotlib.use("Agg") before importing pyplot, save exactly one chart with plt.savefig(OUTPUT_PATH) and call plt.close(). Never call plt.show().
- Do not read other files, access the network, start processes, or ask for input.
- The script runs once, non-interactively, with a time limit.

Reply with a single fenced python code block and nothing else.
`

// dataSummary is what the model sees of the file: schema and a few sample
// rows, never the full data.
type dataSummary struct {
	FileName   string              `json:"file_name"`
	RowCount   int                 `json:"row_count"`
	Columns    []describe.Column   `json:"columns"`
	SampleRows []map[string]string `json:"sample_rows"`
}

// BuildMessages renders the system and user prompts for one query.
func BuildMessages(desc *describe.Descriptor, query string) (system, user string) {
	var b strings.Builder

	if desc != nil {
		summary := dataSummary{
			FileName:   desc.FileName,
			RowCount:   desc.RowCount,
			Columns:    desc.Columns,
			SampleRows: desc.SampleRecords(),
		}
		summaryJSON, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Fprintf(&b, "DATA (schema and sample rows, dtypes as pandas reports them):\n%s\n\n", summaryJSON)
	}

	fmt.Fprintf(&b, "QUESTION:\n%s\n", strings.TrimSpace(query))
	return systemPrompt, b.String()
}

// ExtractCode returns the program from a model reply: the body of the first
// fenced code block, or the whole reply when it has no fence. Reasoning
// sections wrapped in <think> tags are dropped first.
func ExtractCode(reply string) string {
	reply = stripThink(reply)

	start := strings.Index(reply, "```")
	if start < 0 {
		return strings.TrimSpace(reply)
	}

	body := reply[start+3:]
	// Skip the info string (e.g. "python") up to the end of the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}

	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func stripThink(s string) string {
	for {
		open := strings.Index(s, "<think>")
		if open < 0 {
			return s
		}
		end := strings.Index(s[open:], "</think>")
		if end < 0 {
			return s[:open]
		}
		s = s[:open] + s[open+end+len("</think>"):]
	}
}
