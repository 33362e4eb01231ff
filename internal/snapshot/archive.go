package snapshot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ArchiveVersion is the archive container version.
const ArchiveVersion = 1

// MaxDecompressedSize caps the decompressed payload of an archive (512MB).
const MaxDecompressedSize = 512 * 1024 * 1024

// ErrChecksum is returned when an archive payload does not match the
// checksum recorded in its header.
var ErrChecksum = errors.New("archive checksum mismatch")

// Header is the plain-text first line of an archive.
type Header struct {
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	Checksum      string            `json:"checksum"`
	Cycle         int               `json:"cycle"`
	CloneCount    int               `json:"clone_count"`
	MutationCount int               `json:"mutation_count"`
	TumourSize    int               `json:"tumour_size"`
	Compressed    bool              `json:"compressed"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// WriteArchive writes st as a header line followed by its gzip-compressed
// JSON encoding.
func WriteArchive(w io.Writer, st *State, meta map[string]string) (*Header, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing state: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	h := &Header{
		Version:       ArchiveVersion,
		CreatedAt:     st.CreatedAt,
		Checksum:      checksum(compressed.Bytes()),
		Cycle:         st.Cycle,
		CloneCount:    len(st.Clones),
		MutationCount: len(st.Mutations),
		TumourSize:    st.Stats.TumourSize,
		Compressed:    true,
		Metadata:      meta,
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	bw := bufio.NewWriter(w)
	bw.Write(line)
	bw.WriteByte('\n')
	bw.Write(compressed.Bytes())
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	return h, nil
}

func readHeader(br *bufio.Reader) (*Header, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.Version != ArchiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", h.Version)
	}
	return &h, nil
}

// readVerified reads the header and the payload and checks the payload
// against the header checksum.
func readVerified(r io.Reader) (*Header, []byte, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	if got := checksum(payload); got != h.Checksum {
		return nil, nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksum, h.Checksum, got)
	}
	return h, payload, nil
}

// ReadHeader reads only the header line of an archive.
func ReadHeader(r io.Reader) (*Header, error) {
	return readHeader(bufio.NewReader(r))
}

// VerifyArchive checks the payload checksum without decoding the state.
func VerifyArchive(r io.Reader) (*Header, error) {
	h, _, err := readVerified(r)
	return h, err
}

// ReadArchive verifies and decodes an archive.
func ReadArchive(r io.Reader) (*Header, *State, error) {
	h, payload, err := readVerified(r)
	if err != nil {
		return nil, nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	data, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(data)) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStructure, err)
	}
	if len(st.Clones) != h.CloneCount || len(st.Mutations) != h.MutationCount {
		return nil, nil, fmt.Errorf("%w: header counts %d/%d, payload %d/%d",
			ErrStructure, h.CloneCount, h.MutationCount, len(st.Clones), len(st.Mutations))
	}
	return h, &st, nil
}
