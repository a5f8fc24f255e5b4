package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// encodeEmbedding converts []float32 to the pgvector text format: [0.1,0.2,...].
// A nil or empty slice maps to SQL NULL.
func encodeEmbedding(embedding []float32) sql.NullString {
	if len(embedding) == 0 {
		return sql.NullString{}
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')

	return sql.NullString{String: sb.String(), Valid: true}
}

// decodeEmbedding converts the pgvector text format back to []float32.
// Malformed input yields nil rather than an error; embeddings are
// best-effort data.
func decodeEmbedding(s string) []float32 {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	embedding := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		embedding[i] = float32(f)
	}
	return embedding
}
