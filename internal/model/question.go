package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedQuestion is returned when a fetched question or problem cannot be shown.
var ErrMalformedQuestion = errors.New("malformed question data")

// ErrUnsupportedLanguage is returned for a language the grader does not accept.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ID is a question/problem identifier. The backend serializes them as
// integers, but the session only ever compares and forwards them.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers so the backend sees its own format.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// Option labels, in display order.
var OptionLabels = [4]string{"A", "B", "C", "D"}

// ValidOption reports whether opt is one of the MCQ option labels.
func ValidOption(opt string) bool {
	for _, l := range OptionLabels {
		if l == opt {
			return true
		}
	}
	return false
}

// Question is a single multiple-choice question. Immutable once fetched.
type Question struct {
	ID      ID        `json:"id"`
	Text    string    `json:"question_text"`
	Options [4]string `json:"options"`
	Marks   int       `json:"marks"`
	Topic   string    `json:"topic,omitempty"`
}

type questionWire struct {
	ID         ID     `json:"id"`
	Text       string `json:"question_text"`
	OptionA    string `json:"option_a"`
	OptionB    string `json:"option_b"`
	OptionC    string `json:"option_c"`
	OptionD    string `json:"option_d"`
	Marks      *int   `json:"marks"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty_level"`
}

// UnmarshalJSON decodes the backend's option_a..option_d layout.
func (q *Question) UnmarshalJSON(data []byte) error {
	var w questionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	q.ID = w.ID
	q.Text = w.Text
	q.Options = [4]string{w.OptionA, w.OptionB, w.OptionC, w.OptionD}
	q.Marks = 1
	if w.Marks != nil {
		q.Marks = *w.Marks
	}
	q.Topic = w.Topic
	return nil
}

// Validate checks that the question can be rendered and answered.
func (q *Question) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("%w: question without id", ErrMalformedQuestion)
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question %s has no text", ErrMalformedQuestion, q.ID)
	}
	for i, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: question %s option %s is empty", ErrMalformedQuestion, q.ID, OptionLabels[i])
		}
	}
	return nil
}

// Language is a programming language accepted by the grader.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
	LanguageJavaScript Language = "javascript"
)

// DefaultLanguage is selected when a session enters the programming section.
const DefaultLanguage = LanguagePython

// Languages lists the supported languages in selector order.
var Languages = []Language{LanguagePython, LanguageJava, LanguageCPP, LanguageJavaScript}

// ParseLanguage returns the language for s, or false if unsupported.
func ParseLanguage(s string) (Language, bool) {
	for _, l := range Languages {
		if string(l) == strings.ToLower(strings.TrimSpace(s)) {
			return l, true
		}
	}
	return "", false
}

// ProgrammingProblem is a code-submission problem. Immutable once fetched.
type ProgrammingProblem struct {
	ID           ID                  `json:"id"`
	Title        string              `json:"title"`
	Description  string              `json:"description"`
	InputFormat  string              `json:"input_format,omitempty"`
	OutputFormat string              `json:"output_format,omitempty"`
	Constraints  string              `json:"constraints,omitempty"`
	SampleInput  string              `json:"sample_input,omitempty"`
	SampleOutput string              `json:"sample_output,omitempty"`
	Marks        int                 `json:"marks"`
	StarterCode  map[Language]string `json:"starter_code"`
}

type problemWire struct {
	ID           ID     `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	InputFormat  string `json:"input_format"`
	OutputFormat string `json:"output_format"`
	Constraints  string `json:"constraints"`
	SampleInput  string `json:"sample_input"`
	SampleOutput string `json:"sample_output"`
	Marks        *int   `json:"marks"`
	Python       string `json:"starter_code_python"`
	Java         string `json:"starter_code_java"`
	CPP          string `json:"starter_code_cpp"`
	JavaScript   string `json:"starter_code_javascript"`
}

// UnmarshalJSON decodes the backend's starter_code_<language> layout.
func (p *ProgrammingProblem) UnmarshalJSON(data []byte) error {
	var w problemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = ProgrammingProblem{
		ID:           w.ID,
		Title:        w.Title,
		Description:  w.Description,
		InputFormat:  w.InputFormat,
		OutputFormat: w.OutputFormat,
		Constraints:  w.Constraints,
		SampleInput:  w.SampleInput,
		SampleOutput: w.SampleOutput,
		Marks:        10,
		StarterCode: map[Language]string{
			LanguagePython:     w.Python,
			LanguageJava:       w.Java,
			LanguageCPP:        w.CPP,
			LanguageJavaScript: w.JavaScript,
		},
	}
	if w.Marks != nil {
		p.Marks = *w.Marks
	}
	return nil
}

// Starter returns the starter code for lang, or "" when none was supplied.
func (p *ProgrammingProblem) Starter(lang Language) string {
	return p.StarterCode[lang]
}

// Validate checks that the problem can be shown.
func (p *ProgrammingProblem) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: problem without id", ErrMalformedQuestion)
	}
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: problem %s has no title or description", ErrMalformedQuestion, p.ID)
	}
	return nil
}
