package agents

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFinalOutput is returned when the final structured output cannot be parsed.
var ErrMalformedFinalOutput = errors.New("malformed final output")

const defaultCaseStatus = "未开始"

// TestStep is one action of a test case and what should happen.
type TestStep struct {
	Description    string `json:"description"`
	ExpectedResult string `json:"expected_result"`
}

// TestCase is one structured case of the final result.
type TestCase struct {
	Title          string     `json:"title"`
	Desc           string     `json:"desc,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Status         string     `json:"status"`
	Preconditions  string     `json:"preconditions,omitempty"`
	Postconditions string     `json:"postconditions,omitempty"`
	Tags           string     `json:"tags,omitempty"`
	Steps          []TestStep `json:"steps,omitempty"`
}

// ParseTestCases decodes the finalization output. Markdown code fences and a
// {"testcases": [...]} wrapper are tolerated.
func ParseTestCases(raw string) ([]TestCase, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedFinalOutput)
	}

	var cases []TestCase
	if strings.HasPrefix(text, "{") {
		var wrapper struct {
			TestCases []TestCase `json:"testcases"`
		}
		if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFinalOutput, err)
		}
		cases = wrapper.TestCases
	} else if err := json.Unmarshal([]byte(text), &cases); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFinalOutput, err)
	}

	if len(cases) == 0 {
		return nil, fmt.Errorf("%w: no test cases", ErrMalformedFinalOutput)
	}
	for i := range cases {
		if strings.TrimSpace(cases[i].Title) == "" {
			return nil, fmt.Errorf("%w: case %d has no title", ErrMalformedFinalOutput, i)
		}
		if cases[i].Status == "" {
			cases[i].Status = defaultCaseStatus
		}
	}
	return cases, nil
}

// FallbackTestCases wraps an unstructured artifact as a single case.
func FallbackTestCases(artifact string) []TestCase {
	return []TestCase{{
		Title:    "测试用例（未结构化）",
		Desc:     artifact,
		Priority: "中",
		Status:   defaultCaseStatus,
		Tags:     "功能测试",
	}}
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = ""
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

const (
	// MaxFileSize is the largest upload accepted per file.
	MaxFileSize    = 10 << 20
	filePreviewLen = 1000
)

// FileRef is an uploaded file attached to a requirement. Content is base64.
type FileRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     string `json:"content,omitempty"`
}

// describeFiles renders the file section appended to the analysis task.
func describeFiles(files []FileRef) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n文件信息：\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Filename, filePreview(f))
	}
	return sb.String()
}

func filePreview(f FileRef) string {
	if !strings.HasPrefix(f.ContentType, "text/") || f.Content == "" {
		return "二进制文件"
	}
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return "无法解码的文件内容"
	}
	runes := []rune(string(data))
	if len(runes) > filePreviewLen {
		return string(runes[:filePreviewLen]) + "..."
	}
	return string(runes)
}
