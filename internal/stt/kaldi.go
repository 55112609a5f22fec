package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// kaldiResult matches the JSON documents produced by Kaldi-based engines:
// {"text": "..."} for a committed utterance, {"partial": "..."} otherwise.
type kaldiResult struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
}

// DecodeKaldi converts a Kaldi/Vosk JSON result into a tagged Result.
func DecodeKaldi(raw []byte) (Result, error) {
	var doc kaldiResult
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, fmt.Errorf("decode recognizer result: %w", err)
	}
	switch {
	case doc.Text != nil:
		return FinalResult(strings.TrimSpace(*doc.Text)), nil
	case doc.Partial != nil:
		return PartialResult(strings.TrimSpace(*doc.Partial)), nil
	default:
		return Result{}, errors.New("recognizer result has neither text nor partial")
	}
}
