package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// chunkNamespace scopes the name-based UUIDs minted by ChunkID.
var chunkNamespace = uuid.MustParse("6f0c2b8e-3c1d-5a4e-9b7f-2e8d4c1a0f53")

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID derives the deterministic chunk identifier from the engagement,
// the document ID, the chunk's sequence index and its content hash. The
// engagement is part of the name because document IDs are only unique
// within one engagement, and backends like Qdrant key points by chunk ID
// alone. The result is a UUIDv5 so every backend can use it as a native
// point ID.
func ChunkID(engagementID, documentID string, sequenceIndex int, contentHash string) string {
	var b strings.Builder
	b.WriteString(engagementID)
	b.WriteByte(0)
	b.WriteString(documentID)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(sequenceIndex))
	b.WriteByte(0)
	b.WriteString(contentHash)
	return uuid.NewSHA1(chunkNamespace, []byte(b.String())).String()
}
