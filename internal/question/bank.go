// Package question supplies match questions from a bank: in memory, redis or postgres.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

// Seeder loads a bank into a source.
type Seeder interface {
	Seed(ctx context.Context, questions []domain.Question) error
}

type record struct {
	ID            string         `json:"id"`
	Prompt        string         `json:"prompt"`
	Options       []recordOption `json:"options"`
	CorrectOption string         `json:"correct_option"`
	Difficulty    string         `json:"difficulty"`
}

type recordOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type bankFile struct {
	Questions []record `json:"questions"`
}

// ParseBank reads a JSON bank: {"questions": [{"id", "prompt", "options", "correct_option",
// "difficulty"}]}. Every question must be playable and ids must be unique.
func ParseBank(r io.Reader) ([]domain.Question, error) {
	var f bankFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode bank: %w", err)
	}

	out := make([]domain.Question, 0, len(f.Questions))
	seen := make(map[string]bool, len(f.Questions))
	for i, rec := range f.Questions {
		q, err := rec.question()
		if err != nil {
			return nil, fmt.Errorf("question #%d: %w", i, err)
		}
		if seen[q.QuestionID] {
			return nil, fmt.Errorf("question #%d: duplicate id %s", i, q.QuestionID)
		}
		seen[q.QuestionID] = true
		out = append(out, q)
	}

	return out, nil
}

// LoadBankFile parses the bank at path.
func LoadBankFile(path string) ([]domain.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bank: %w", err)
	}
	defer f.Close()

	return ParseBank(f)
}

func (r record) question() (domain.Question, error) {
	d, err := domain.ParseDifficulty(r.Difficulty)
	if err != nil {
		return domain.Question{}, err
	}

	q := domain.Question{
		QuestionID:    r.ID,
		Prompt:        r.Prompt,
		Options:       make([]domain.Option, 0, len(r.Options)),
		CorrectOption: r.CorrectOption,
		Difficulty:    d,
	}
	for _, o := range r.Options {
		q.Options = append(q.Options, domain.Option{ID: o.ID, Text: o.Text})
	}

	if err := q.Validate(); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

func toRecord(q domain.Question) record {
	r := record{
		ID:            q.QuestionID,
		Prompt:        q.Prompt,
		Options:       make([]recordOption, 0, len(q.Options)),
		CorrectOption: q.CorrectOption,
		Difficulty:    q.Difficulty.String(),
	}
	for _, o := range q.Options {
		r.Options = append(r.Options, recordOption{ID: o.ID, Text: o.Text})
	}
	return r
}

func insufficient(want, got int) error {
	return errors.Invalid(errors.ReasonInsufficientQuestions,
		"the bank holds %d questions, a match needs %d", got, want)
}

// Memory is a fixed bank held in process.
type Memory struct {
	questions []domain.Question
}

func NewMemory(questions []domain.Question) *Memory {
	return &Memory{questions: append([]domain.Question(nil), questions...)}
}

// SelectRounds returns count distinct questions in random order.
func (m *Memory) SelectRounds(_ context.Context, count int) ([]domain.Question, error) {
	if count > len(m.questions) {
		return nil, insufficient(count, len(m.questions))
	}

	idx := rand.Perm(len(m.questions))[:count]
	out := make([]domain.Question, 0, count)
	for _, i := range idx {
		out = append(out, m.questions[i])
	}
	return out, nil
}

func (m *Memory) Seed(_ context.Context, questions []domain.Question) error {
	m.questions = append(m.questions, questions...)
	return nil
}
