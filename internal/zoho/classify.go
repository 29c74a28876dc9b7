package zoho

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// RESPONSE CLASSIFICATION:
// Zoho Campaigns answers listsubscribe with a JSON body whose shape depends on
// the account: sometimes a flat {"code":"0","status":"success"}, sometimes the
// per-contact result is buried under "data", "response", "result" or deeper,
// and "already subscribed" may come back as a code, a status, or only as free
// text. Instead of unmarshalling into a fixed struct we decode into a generic
// tree (map[string]any / []any) and classify over every nested object that
// looks like a result record.
//
// Everything in this file is pure: no I/O, no clock, no globals that change.

// Record is one nested object that exposes a code, status or message field.
type Record map[string]any

// Code returns the record's code as a string ("" when absent). Numeric codes
// keep their literal form because bodies are decoded with UseNumber.
func (r Record) Code() string {
	return readCode(r["code"])
}

// Status returns the string status field, or "".
func (r Record) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Message returns the string message field, or "".
func (r Record) Message() string {
	s, _ := r["message"].(string)
	return s
}

func readCode(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(c)
	}
}

func isRecord(m map[string]any) bool {
	if readCode(m["code"]) != "" {
		return true
	}
	if _, ok := m["message"].(string); ok {
		return true
	}
	_, ok := m["status"].(string)
	return ok
}

// CollectRecords walks payload breadth-first and returns every object that
// exposes a code, status or message, the root included. Maps already visited
// are skipped, so self-referencing trees terminate. Keys are visited in sorted
// order so the result does not depend on Go's map iteration order.
func CollectRecords(payload any) []Record {
	var records []Record
	queue := []any{payload}
	seen := make(map[uintptr]struct{})

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		obj, ok := current.(map[string]any)
		if !ok || obj == nil {
			continue
		}
		ptr := reflect.ValueOf(obj).Pointer()
		if _, dup := seen[ptr]; dup {
			continue
		}
		seen[ptr] = struct{}{}

		if isRecord(obj) {
			records = append(records, Record(obj))
		}

		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			switch v := obj[k].(type) {
			case map[string]any:
				queue = append(queue, v)
			case []any:
				for _, item := range v {
					if m, ok := item.(map[string]any); ok {
						queue = append(queue, m)
					}
				}
			}
		}
	}

	return records
}

var successMessageMarkers = []string{"success", "created", "updated", "added", "subscribed"}

// IsSuccessRecord reports whether a record signals a completed subscribe.
func IsSuccessRecord(r Record) bool {
	code := strings.ToLower(r.Code())
	if code == "0" || code == "success" {
		return true
	}
	if strings.ToLower(r.Status()) == "success" {
		return true
	}
	msg := strings.ToLower(r.Message())
	for _, marker := range successMessageMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// DefaultDuplicateCodes are the provider codes known to mean "the contact is
// already on the list". Accounts differ; extend through Config.DuplicateCodes.
var DefaultDuplicateCodes = []string{
	"already_exists",
	"already_exist",
	"already_subscribed",
	"duplicate_data",
	"duplicate",
	"contact_already_exists",
}

var alreadyExistsPattern = regexp.MustCompile(`(?i)already.*(exist|subscribed|member)`)

// Outcome is the verdict for one provider response.
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeSuccess
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "error"
	}
}

// Classification is the result of Classify. Code and Message are only
// populated for OutcomeError.
type Classification struct {
	Outcome Outcome
	Code    string
	Message string
}

// OK reports whether the caller should treat the response as subscribed.
// A duplicate counts: retries are expected to observe "already subscribed".
func (c Classification) OK() bool {
	return c.Outcome != OutcomeError
}

// Classifier holds the account-specific duplicate vocabulary.
type Classifier struct {
	duplicateCodes map[string]struct{}
}

// NewClassifier builds a Classifier. Codes are matched case-insensitively.
func NewClassifier(duplicateCodes []string) *Classifier {
	set := make(map[string]struct{}, len(duplicateCodes))
	for _, c := range duplicateCodes {
		set[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &Classifier{duplicateCodes: set}
}

// IsDuplicateRecord reports whether a record says the contact already exists.
func (c *Classifier) IsDuplicateRecord(r Record) bool {
	if code := strings.ToLower(r.Code()); code != "" {
		if _, ok := c.duplicateCodes[code]; ok {
			return true
		}
	}
	return alreadyExistsPattern.MatchString(r.Message())
}

// Classify turns an HTTP status and decoded body into a verdict.
//
//   - any duplicate record anywhere → OutcomeDuplicate (regardless of status)
//   - 2xx and at least one success record → OutcomeSuccess
//   - otherwise OutcomeError with the first failing record's code/message
func (c *Classifier) Classify(status int, payload any) Classification {
	records := CollectRecords(payload)

	hasSuccess := false
	for _, r := range records {
		if c.IsDuplicateRecord(r) {
			return Classification{Outcome: OutcomeDuplicate}
		}
		if IsSuccessRecord(r) {
			hasSuccess = true
		}
	}

	if isHTTPOK(status) && hasSuccess {
		return Classification{Outcome: OutcomeSuccess}
	}

	out := Classification{Outcome: OutcomeError}
	for _, r := range records {
		if IsSuccessRecord(r) {
			continue
		}
		out.Code = r.Code()
		out.Message = r.Message()
		break
	}
	if out.Code == "" {
		out.Code = FirstCode(payload)
	}
	if out.Message == "" {
		out.Message = FirstMessage(payload)
	}
	return out
}

// FirstCode returns the top-level code, else the first nested record code.
func FirstCode(payload any) string {
	for _, r := range CollectRecords(payload) {
		if code := r.Code(); code != "" {
			return code
		}
	}
	return ""
}

// FirstMessage returns the top-level message, else the first nested one.
func FirstMessage(payload any) string {
	for _, r := range CollectRecords(payload) {
		if msg := r.Message(); msg != "" {
			return msg
		}
	}
	return ""
}

func isHTTPOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

// decodeBody parses a provider body into a generic tree. An empty body
// becomes an empty object; anything that is not JSON becomes {"raw": text}
// so classification still runs and the text is kept for diagnostics.
func decodeBody(raw []byte) any {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return map[string]any{}
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return map[string]any{"raw": text}
	}
	return payload
}
