package dedup

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
	"strings"
	"unicode"
)

// Vector kinds persisted alongside the raw bytes.
const (
	KindEmbedding = "embedding"
	KindSimHash   = "simhash"
)

// Vector is a similarity representation of normalized text.
// Similarity is symmetric and lies in [0, 1]; vectors of different kind never match.
type Vector interface {
	Kind() string
	Similarity(other Vector) float64
	Bytes() []byte
}

// Embedding is a dense vector returned by an embedding model.
type Embedding []float32

// Kind implements Vector.
func (e Embedding) Kind() string { return KindEmbedding }

// Similarity returns the cosine similarity, or 0 for mismatched vectors.
func (e Embedding) Similarity(other Vector) float64 {
	o, ok := other.(Embedding)
	if !ok || len(e) == 0 || len(e) != len(o) {
		return 0
	}

	var dot, normA, normB float64
	for i := range e {
		a, b := float64(e[i]), float64(o[i])
		dot += a * b
		normA += a * a
		normB += b * b
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Bytes encodes the embedding as little-endian float32 values.
func (e Embedding) Bytes() []byte {
	buf := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// SimHash is a 64-bit locality-sensitive fingerprint of the token set.
type SimHash uint64

// Kind implements Vector.
func (s SimHash) Kind() string { return KindSimHash }

// Similarity returns 1 - hamming/64, or 0 when other is not a SimHash.
func (s SimHash) Similarity(other Vector) float64 {
	o, ok := other.(SimHash)
	if !ok {
		return 0
	}
	return 1 - float64(s.Distance(o))/64
}

// Distance returns the Hamming distance between two fingerprints.
func (s SimHash) Distance(o SimHash) int {
	return bits.OnesCount64(uint64(s) ^ uint64(o))
}

// Bytes encodes the fingerprint as 8 little-endian bytes.
func (s SimHash) Bytes() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(s))
	return buf
}

// ComputeSimHash fingerprints normalized text. It reports false when the text has no tokens.
func ComputeSimHash(normalized string) (SimHash, bool) {
	tokens := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return 0, false
	}

	var weights [64]int
	for _, token := range tokens {
		h := hashToken(token)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return SimHash(result), true
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

// DecodeVector restores a persisted vector.
func DecodeVector(kind string, data []byte) (Vector, error) {
	switch kind {
	case KindEmbedding:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("embedding length %d is not a multiple of 4", len(data))
		}
		e := make(Embedding, len(data)/4)
		for i := range e {
			e[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return e, nil
	case KindSimHash:
		if len(data) != 8 {
			return nil, fmt.Errorf("simhash length %d, want 8", len(data))
		}
		return SimHash(binary.LittleEndian.Uint64(data)), nil
	default:
		return nil, fmt.Errorf("unknown vector kind %q", kind)
	}
}
