// Package extract implements the Output Extractor: a tolerant parser that
// recovers structured iteration or failure-analysis data from arbitrary
// agent stdout, in priority order: sentinel JSON, regex sections, raw
// preservation.
package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ralphcore/ralph/internal/iterstore"
)

// Method identifies which extraction strategy produced a Result.
type Method string

const (
	MethodJSON  Method = "json"
	MethodRegex Method = "regex"
	MethodRaw   Method = "raw"
)

// maxRawLength is the sanitization truncation boundary.
const maxRawLength = 50000

const truncatedSuffix = "[truncated]"

// StructuredLog is the normalized structured data recovered from agent
// output for a main-prompt iteration.
type StructuredLog struct {
	TaskID               string
	AgentClaimedComplete bool
	Implemented          []string
	CodebasePatterns     []string
	Summary              string
	WhatWasDone          string
	Learnings            string
	FilesChanged         []string
	Gotchas              string
	Status               string
}

// Result is the return shape of Extract.
type Result struct {
	Structured *StructuredLog
	Raw        string
	Method     Method
	Confidence float64
}

// FailureResult is the return shape of ExtractFailureAnalysis.
type FailureResult struct {
	Analysis   *iterstore.FailureAnalysis
	Raw        string
	Method     Method
	Confidence float64
}

var (
	sentinelRe   = regexp.MustCompile(`(?s)<RALPH_ITERATION_LOG_JSON>(.*?)</RALPH_ITERATION_LOG_JSON>`)
	jsonFenceRe  = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fenceRe      = regexp.MustCompile("(?s)```\\s*(.*?)```")
	failureSentinelRe = regexp.MustCompile(`(?is)"failureAnalysis"\s*:\s*(\{.*?\})\s*[,}]`)
	rootCauseRe  = regexp.MustCompile(`(?is)root\s*cause[:\s]*\n?(.+?)(?:\n\s*\n|\n\s*fix\s*plan|$)`)
	fixPlanRe    = regexp.MustCompile(`(?is)fix\s*plan[:\s]*\n?(.+?)(?:\n\s*\n|$)`)
)

// sectionHeadings maps a regex-section field name to its heading pattern.
var sectionHeadings = map[string]*regexp.Regexp{
	"what_was_done": regexp.MustCompile(`(?im)^#{0,3}\s*what\s+was\s+done\s*:?\s*$`),
	"learnings":     regexp.MustCompile(`(?im)^#{0,3}\s*learnings\s*:?\s*$`),
	"files_changed": regexp.MustCompile(`(?im)^#{0,3}\s*files\s+changed\s*:?\s*$`),
	"gotchas":       regexp.MustCompile(`(?im)^#{0,3}\s*gotchas\s*:?\s*$`),
	"summary":       regexp.MustCompile(`(?im)^#{0,3}\s*summary\s*:?\s*$`),
}

var completeRe = regexp.MustCompile(`(?im)^#{0,3}\s*(?:complete|finished|done)\s*:\s*(yes|true|no|false)\s*$`)

// Extract recovers a StructuredLog from raw agent stdout using the
// three-strategy priority: sentinel JSON, regex sections, raw
// preservation.
func Extract(stdout string) Result {
	sanitized := Sanitize(stdout)

	if payload, ok := findJSONPayload(stdout); ok {
		if structured, ok := parseStructuredJSON(payload); ok {
			return Result{Structured: structured, Raw: sanitized, Method: MethodJSON, Confidence: 0.95}
		}
	}

	if structured, matched := extractRegexSections(stdout); matched {
		return Result{Structured: structured, Raw: sanitized, Method: MethodRegex, Confidence: 0.70}
	}

	return Result{Structured: nil, Raw: sanitized, Method: MethodRaw, Confidence: 0.30}
}

// findJSONPayload scans, in priority order, for a sentinel block, a
// ```json fenced block, a plain fenced block, then the first balanced
// {...} substring.
func findJSONPayload(stdout string) (string, bool) {
	if m := sentinelRe.FindStringSubmatch(stdout); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := jsonFenceRe.FindStringSubmatch(stdout); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := fenceRe.FindStringSubmatch(stdout); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if obj, ok := firstBalancedBraces(stdout); ok {
		return obj, true
	}
	return "", false
}

// firstBalancedBraces returns the first top-level balanced {...} substring
// in s, respecting string literals so braces inside strings don't unbalance
// the scan.
func firstBalancedBraces(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// rawJSONLog is the loosely-typed shape parsed off the wire before
// normalization (key aliases, etc).
type rawJSONLog struct {
	Task             interface{} `json:"task"`
	TaskID           interface{} `json:"taskId"`
	ID               interface{} `json:"id"`
	Complete         interface{} `json:"complete"`
	Completed        interface{} `json:"completed"`
	Success          interface{} `json:"success"`
	Implemented      []string    `json:"implemented"`
	CodebasePatterns []string    `json:"codebasePatterns"`
	Summary          string      `json:"summary"`
	Learnings        string      `json:"learnings"`
	FilesChanged     []string    `json:"filesChanged"`
	Gotchas          string      `json:"gotchas"`
}

func parseStructuredJSON(payload string) (*StructuredLog, bool) {
	var raw rawJSONLog
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, false
	}

	taskID := firstNonEmptyString(raw.Task, raw.TaskID, raw.ID)
	complete := firstTruthyBool(raw.Complete, raw.Completed, raw.Success)

	status := iterstore.StatusInProgress
	if complete {
		status = iterstore.StatusSuccess
	}

	log := &StructuredLog{
		TaskID:               taskID,
		AgentClaimedComplete: complete,
		Implemented:          raw.Implemented,
		CodebasePatterns:     raw.CodebasePatterns,
		Summary:              raw.Summary,
		Learnings:            raw.Learnings,
		FilesChanged:         raw.FilesChanged,
		Gotchas:              raw.Gotchas,
		Status:               status,
	}
	if len(raw.Implemented) > 0 {
		log.WhatWasDone = strings.Join(raw.Implemented, "; ")
	}
	return log, true
}

func firstNonEmptyString(vals ...interface{}) string {
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func firstTruthyBool(vals ...interface{}) bool {
	for _, v := range vals {
		switch t := v.(type) {
		case bool:
			return t
		case string:
			lower := strings.ToLower(t)
			if lower == "true" || lower == "yes" {
				return true
			}
		}
	}
	return false
}

// extractRegexSections scans for known headings and assembles a partial
// StructuredLog. Returns matched=false if no heading was found at all.
func extractRegexSections(stdout string) (*StructuredLog, bool) {
	log := &StructuredLog{Status: iterstore.StatusInProgress}
	matched := false

	if body, ok := sectionBody(stdout, sectionHeadings["what_was_done"]); ok {
		log.WhatWasDone = body
		matched = true
	}
	if body, ok := sectionBody(stdout, sectionHeadings["learnings"]); ok {
		log.Learnings = body
		matched = true
	}
	if body, ok := sectionBody(stdout, sectionHeadings["files_changed"]); ok {
		log.FilesChanged = splitListItems(body)
		matched = true
	}
	if body, ok := sectionBody(stdout, sectionHeadings["gotchas"]); ok {
		log.Gotchas = body
		matched = true
	}
	if body, ok := sectionBody(stdout, sectionHeadings["summary"]); ok {
		log.Summary = body
		matched = true
	}
	if m := completeRe.FindStringSubmatch(stdout); m != nil {
		matched = true
		lower := strings.ToLower(m[1])
		if lower == "yes" || lower == "true" {
			log.AgentClaimedComplete = true
			log.Status = iterstore.StatusSuccess
		}
	}

	if !matched {
		return nil, false
	}
	return log, true
}

// sectionBody finds heading in stdout and returns the block of text (list
// items or paragraph) following it, up to the next blank line or heading.
func sectionBody(stdout string, heading *regexp.Regexp) (string, bool) {
	loc := heading.FindStringIndex(stdout)
	if loc == nil {
		return "", false
	}
	rest := stdout[loc[1]:]
	lines := strings.Split(rest, "\n")

	var collected []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(collected) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			break
		}
		collected = append(collected, trimmed)
	}
	if len(collected) == 0 {
		return "", false
	}
	return strings.Join(collected, "\n"), true
}

// splitListItems splits a section body into list items, stripping
// "- ", "* ", or "N. " bullet markers.
func splitListItems(body string) []string {
	lines := strings.Split(body, "\n")
	var items []string
	bulletRe := regexp.MustCompile(`^(?:[-*]\s+|\d+\.\s+)`)
	for _, line := range lines {
		item := bulletRe.ReplaceAllString(strings.TrimSpace(line), "")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ExtractFailureAnalysis recovers a FailureAnalysis from agent stdout,
// using the same priority order as Extract, targeting a failureAnalysis
// sub-object or a Root Cause / Fix Plan regex pair. On total miss, it
// synthesizes a minimal analysis from errorMessage.
func ExtractFailureAnalysis(stdout, errorMessage string) FailureResult {
	sanitized := Sanitize(stdout)

	if payload, ok := findJSONPayload(stdout); ok {
		if fa, ok := parseFailureJSON(payload); ok {
			return FailureResult{Analysis: fa, Raw: sanitized, Method: MethodJSON, Confidence: 0.95}
		}
	}
	if m := failureSentinelRe.FindStringSubmatch(stdout); m != nil {
		if fa, ok := parseFailureJSON(m[1]); ok {
			return FailureResult{Analysis: fa, Raw: sanitized, Method: MethodJSON, Confidence: 0.95}
		}
	}

	rootMatch := rootCauseRe.FindStringSubmatch(stdout)
	fixMatch := fixPlanRe.FindStringSubmatch(stdout)
	if rootMatch != nil && fixMatch != nil {
		fa := &iterstore.FailureAnalysis{
			RootCause:    strings.TrimSpace(rootMatch[1]),
			FixPlan:      strings.TrimSpace(fixMatch[1]),
			ErrorMessage: errorMessage,
			ErrorType:    iterstore.Categorize(errorMessage),
		}
		return FailureResult{Analysis: fa, Raw: sanitized, Method: MethodRegex, Confidence: 0.70}
	}

	fa := &iterstore.FailureAnalysis{
		RootCause:    errorMessage,
		FixPlan:      "Retry with careful attention to the error",
		ErrorMessage: errorMessage,
		ErrorType:    iterstore.Categorize(errorMessage),
	}
	return FailureResult{Analysis: fa, Raw: sanitized, Method: MethodRaw, Confidence: 0.30}
}

type rawFailureJSON struct {
	FailureAnalysis *struct {
		RootCause    string `json:"rootCause"`
		FixPlan      string `json:"fixPlan"`
		ErrorMessage string `json:"errorMessage"`
		ErrorType    string `json:"errorType"`
	} `json:"failureAnalysis"`
}

func parseFailureJSON(payload string) (*iterstore.FailureAnalysis, bool) {
	var raw rawFailureJSON
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw.FailureAnalysis == nil {
		return nil, false
	}
	fa := &iterstore.FailureAnalysis{
		RootCause:    raw.FailureAnalysis.RootCause,
		FixPlan:      raw.FailureAnalysis.FixPlan,
		ErrorMessage: raw.FailureAnalysis.ErrorMessage,
		ErrorType:    raw.FailureAnalysis.ErrorType,
	}
	if fa.ErrorType == "" {
		fa.ErrorType = iterstore.Categorize(fa.ErrorMessage)
	}
	return fa, true
}

// ansiCSI matches ESC-led control sequences: CSI (ESC [ ... final byte),
// and other two-byte ESC sequences.
var ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b[@-_]`)

// Sanitize strips terminal escape sequences and truncates to maxRawLength
// characters, appending "[truncated]" when truncation occurs.
func Sanitize(s string) string {
	clean := ansiCSI.ReplaceAllString(s, "")
	runes := []rune(clean)
	if len(runes) <= maxRawLength {
		return clean
	}
	return string(runes[:maxRawLength]) + truncatedSuffix
}
