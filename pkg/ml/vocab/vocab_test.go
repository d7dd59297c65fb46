// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteVocabulary(t *testing.T) {
	v := NewByteVocabulary()
	ids := v.Encode("ab")
	assert.Equal(t, []int{'a' + 3, 'b' + 3}, ids)
	assert.Equal(t, "ab", v.Decode(append(ids, PadID, EOSID)))
	assert.Equal(t, 259, v.VocabSize())
	assert.Equal(t, "a", Detokenize(v, []int{'a' + 3, EOSID, 'b' + 3}))
}

func TestWordVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\nworld\n"), 0o644))
	v := must.M1(LoadWordVocabulary(path))
	assert.Equal(t, 5, v.VocabSize())
	ids := v.Encode("hello  there world")
	assert.Equal(t, []int{3, UNKID, 4}, ids)
	assert.Equal(t, "hello world", v.Decode(ids))

	_, err := LoadWordVocabulary(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestEncodeInputs(t *testing.T) {
	v := NewByteVocabulary()
	for _, tc := range []struct {
		name      string
		texts     []string
		appendEOS bool
		batchSize int
		length    int
		want      [][]int32
	}{
		{"eos and pad", []string{" a "}, true, 1, 3, [][]int32{{'a' + 3, EOSID, 0}}},
		{"no eos", []string{"a"}, false, 1, 3, [][]int32{{'a' + 3, 0, 0}}},
		{"truncate", []string{"abc"}, true, 1, 2, [][]int32{{'a' + 3, 'b' + 3}}},
		{"pad rows with first", []string{"a", "b", "c"}, true, 2, 2,
			[][]int32{{'a' + 3, EOSID}, {'b' + 3, EOSID}, {'c' + 3, EOSID}, {'a' + 3, EOSID}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EncodeInputs(tc.texts, v, tc.appendEOS, tc.batchSize, tc.length)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	_, err := EncodeInputs([]string{"a"}, v, true, 0, 2)
	require.Error(t, err)
}
