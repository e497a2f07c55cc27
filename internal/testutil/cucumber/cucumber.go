// Package cucumber provides a godog-based BDD test framework with HTTP API testing support.
//
// Variables are scoped to the scenario. Variable resolution supports:
//   - ${variableName}           → scenario variable lookup
//   - ${response}               → last HTTP response body as JSON
//   - ${response.field}         → response body field via gojq
//   - ${variable.field}         → nested field access via gojq
package cucumber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL: "http://localhost:8090",
		Extra:  map[string]interface{}{},
	}
}

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions configures junit XML output when GODOG_REPORT_DIR is set.
// Pass t.Name() as testName; slashes are replaced with dashes to form the filename.
// Returns a cleanup function that must be called (or deferred) after the test runs.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return func() {}
	}
	safeName := strings.ReplaceAll(testName, "/", "-")
	f, err := os.Create(filepath.Join(reportDir, safeName+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestSuite holds state global to all test scenarios.
type TestSuite struct {
	APIURL   string
	Token    string
	Mu       sync.Mutex
	TestingT *testing.T
	Extra    map[string]interface{} // additional test-scoped objects (e.g. fake stores)
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite *TestSuite
	// APIURL starts as the suite's and may be replaced by a step module.
	APIURL    string
	Variables map[string]interface{}
	// Values is free-form per-scenario state for step modules.
	Values map[string]interface{}

	Client    *http.Client
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  interface{}
}

func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

// T returns the testing.T of the running feature.
func (s *TestScenario) T() *testing.T {
	return s.Suite.TestingT
}

// RespJSON returns the last HTTP response body as parsed JSON.
func (s *TestScenario) RespJSON() (interface{}, error) {
	if s.respJSON == nil {
		if s.RespBytes == nil {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

func (s *TestScenario) setResponse(resp *http.Response, body []byte) {
	s.Resp = resp
	s.RespBytes = body
	s.respJSON = nil
}

// Expand replaces ${var} in the string based on scenario variables.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil {
			rerr = err
			return ""
		}
		return res
	}), rerr
}

func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	return ToString(value, name)
}

func ToString(value interface{}, name string) (string, error) {
	switch value := value.(type) {
	case string:
		return value, nil
	case bool:
		if value {
			return "true", nil
		}
		return "false", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", value), nil
	case float32, float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", value), "0"), "."), nil
	case nil:
		return "", nil
	case error:
		return "", fmt.Errorf("failed to evaluate selection: %s: %w", name, value)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Resolve looks up a variable or response selection.
func (s *TestScenario) Resolve(name string) (interface{}, error) {
	root, rest, _ := strings.Cut(name, ".")
	var doc interface{}
	if root == "response" {
		j, err := s.RespJSON()
		if err != nil {
			return nil, err
		}
		doc = j
	} else {
		v, found := s.Variables[root]
		if !found {
			return nil, fmt.Errorf("variable ${%s} not defined yet", root)
		}
		doc = v
	}
	if rest == "" {
		return doc, nil
	}
	return Select(doc, "."+rest)
}

// Select runs a jq selector against doc and returns the first result.
func Select(doc interface{}, selector string) (interface{}, error) {
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	iter := query.Run(normalize(doc))
	next, found := iter.Next()
	if !found {
		return nil, fmt.Errorf("no node matches selector: %s", selector)
	}
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next, nil
}

// normalize round-trips typed values through JSON so gojq sees plain maps
// and slices.
func normalize(doc interface{}) interface{} {
	switch doc.(type) {
	case map[string]interface{}, []interface{}, string, float64, bool, nil:
		return doc
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return doc
	}
	return out
}

// JSONMustMatch compares two JSON documents after normalizing formatting.
func (s *TestScenario) JSONMustMatch(actual, expected string, expandExpected bool) error {
	if expandExpected {
		var err error
		if expected, err = s.Expand(expected); err != nil {
			return err
		}
	}
	a, err := canonicalJSON(actual)
	if err != nil {
		return fmt.Errorf("actual is not json: %w", err)
	}
	e, err := canonicalJSON(expected)
	if err != nil {
		return fmt.Errorf("expected is not json: %w", err)
	}
	if !bytes.Equal(a, e) {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(e)),
			B:        difflib.SplitLines(string(a)),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  1,
		})
		return fmt.Errorf("actual does not match expected, diff:\n%s", diff)
	}
	return nil
}

func canonicalJSON(doc string) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}

// StepModules is the list of functions used to register steps with a godog.ScenarioContext.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		APIURL:    suite.APIURL,
		Variables: map[string]interface{}{},
		Values:    map[string]interface{}{},
		Client:    &http.Client{Timeout: 10 * time.Second},
		Header:    http.Header{},
	}
	for _, module := range StepModules {
		module(ctx, s)
	}
}
