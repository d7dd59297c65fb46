// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab converts between text and token ids.
//
// All vocabularies reserve the ids PadID (0), EOSID (1) and UNKID (2).
package vocab

import (
	"strings"

	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Reserved token ids.
const (
	PadID = 0
	EOSID = 1
	UNKID = 2

	numReserved = 3
)

// Vocabulary encodes text to token ids and back.
type Vocabulary interface {
	// Encode text to token ids. It doesn't add EOS.
	Encode(text string) []int

	// Decode token ids to text. Reserved ids are skipped.
	Decode(ids []int) string

	// VocabSize is the number of token ids, including the reserved ones.
	VocabSize() int
}

// ByteVocabulary encodes each byte of the text as one token: byte b is id b+3.
type ByteVocabulary struct{}

// NewByteVocabulary creates a ByteVocabulary.
func NewByteVocabulary() *ByteVocabulary { return &ByteVocabulary{} }

// Encode implements Vocabulary.
func (v *ByteVocabulary) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := range len(text) {
		ids[i] = int(text[i]) + numReserved
	}
	return ids
}

// Decode implements Vocabulary.
func (v *ByteVocabulary) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id < numReserved || id >= 256+numReserved {
			continue
		}
		buf = append(buf, byte(id-numReserved))
	}
	return string(buf)
}

// VocabSize implements Vocabulary.
func (v *ByteVocabulary) VocabSize() int { return 256 + numReserved }

// WordVocabulary encodes whitespace separated words from a fixed list of tokens.
// Unknown words are encoded as UNKID.
type WordVocabulary struct {
	tokens []string
	ids    map[string]int
}

// NewWordVocabulary creates a vocabulary with the given tokens, numbered after the reserved ids.
func NewWordVocabulary(tokens []string) *WordVocabulary {
	v := &WordVocabulary{tokens: tokens, ids: make(map[string]int, len(tokens))}
	for i, token := range tokens {
		if _, found := v.ids[token]; !found {
			v.ids[token] = i + numReserved
		}
	}
	return v
}

// LoadWordVocabulary reads a vocabulary file with one token per line.
func LoadWordVocabulary(path string) (*WordVocabulary, error) {
	lines, err := fsutil.ReadLines(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading vocabulary")
	}
	if len(lines) == 0 {
		return nil, errors.Errorf("vocabulary file %q is empty", path)
	}
	return NewWordVocabulary(lines), nil
}

// Encode implements Vocabulary.
func (v *WordVocabulary) Encode(text string) []int {
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i, word := range words {
		id, found := v.ids[word]
		if !found {
			id = UNKID
		}
		ids[i] = id
	}
	return ids
}

// Decode implements Vocabulary.
func (v *WordVocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < numReserved || id-numReserved >= len(v.tokens) {
			continue
		}
		words = append(words, v.tokens[id-numReserved])
	}
	return strings.Join(words, " ")
}

// VocabSize implements Vocabulary.
func (v *WordVocabulary) VocabSize() int { return len(v.tokens) + numReserved }

// Detokenize decodes ids up to (not including) the first EOS.
func Detokenize(v Vocabulary, ids []int) string {
	for i, id := range ids {
		if id == EOSID {
			ids = ids[:i]
			break
		}
	}
	return v.Decode(ids)
}

// EncodeInputs encodes each text (trimmed of surrounding spaces) into a row of exactly length ids.
//
// If appendEOS, EOS is appended before truncating or padding with PadID. Decoder-only models
// (and control-code prefixes) don't append EOS, since their inputs are partial sequences to be
// continued. The number of rows is padded to a multiple of batchSize with copies of the first row.
func EncodeInputs(texts []string, v Vocabulary, appendEOS bool, batchSize, length int) ([][]int32, error) {
	if batchSize <= 0 || length <= 0 {
		return nil, errors.Errorf("EncodeInputs requires positive batchSize and length, got %d and %d",
			batchSize, length)
	}
	rows := make([][]int32, 0, len(texts)+batchSize)
	for _, text := range texts {
		ids := v.Encode(strings.TrimSpace(text))
		if appendEOS {
			ids = append(ids, EOSID)
		}
		row := make([]int32, length)
		for i := range min(len(ids), length) {
			row[i] = int32(ids[i])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return rows, nil
	}
	for len(rows)%batchSize != 0 {
		rows = append(rows, rows[0])
	}
	return rows, nil
}
