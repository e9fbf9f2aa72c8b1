// Package pack serializes a minimal-context payload as a zstd
// compressed pack for the reviewer collaborator.
//
// Pack format (after decompression):
//
//	[4 bytes: header length (big-endian)]
//	[header JSON: Header]
//	[code bodies...]
//
// The header describes each node's role and the offset/length of its
// current and future code bodies relative to the data start.
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"isg/internal/graph"
	"isg/internal/mincontext"
)

const (
	headerLengthSize = 4
	maxHeaderSize    = 10 * 1024 * 1024
)

// Header describes the pack contents.
type Header struct {
	RequestID   string      `json:"requestId"`
	RequestRev  int         `json:"requestRev"`
	RequestText string      `json:"requestText"`
	Entries     []EntryMeta `json:"entries"`
	Edges       []EdgeMeta  `json:"edges"`
}

// EntryMeta is one node's metadata plus code body locations.
type EntryMeta struct {
	ID          string           `json:"id"`
	Kind        graph.NodeKind   `json:"kind"`
	Signature   string           `json:"signature"`
	Role        mincontext.Role  `json:"role"`
	Action      graph.Action     `json:"action"`
	Hops        int              `json:"hops"`
	Diagnostics []string         `json:"diagnostics,omitempty"`
	CurrentOff  int64            `json:"currentOff"`
	CurrentLen  int64            `json:"currentLen"`
	FutureOff   int64            `json:"futureOff"`
	FutureLen   int64            `json:"futureLen"`
}

// EdgeMeta is one dependency edge inside the context.
type EdgeMeta struct {
	Src   string          `json:"src"`
	Dst   string          `json:"dst"`
	State graph.EdgeState `json:"state"`
}

// Write serializes the context as a zstd pack.
func Write(w io.Writer, req graph.ChangeRequest, ctx *mincontext.Context) error {
	header := Header{
		RequestID:   req.ID,
		RequestRev:  req.Rev,
		RequestText: req.Text,
	}

	var data bytes.Buffer
	for _, entry := range ctx.Entries {
		n := entry.Node
		meta := EntryMeta{
			ID:          n.HexID(),
			Kind:        n.Kind,
			Signature:   n.Signature,
			Role:        entry.Role,
			Action:      n.FutureAction,
			Hops:        entry.Hops,
			Diagnostics: n.Diagnostics,
		}
		meta.CurrentOff = int64(data.Len())
		meta.CurrentLen = int64(len(n.CurrentCode))
		data.WriteString(n.CurrentCode)
		meta.FutureOff = int64(data.Len())
		meta.FutureLen = int64(len(n.FutureCode))
		data.WriteString(n.FutureCode)
		header.Entries = append(header.Entries, meta)
	}
	for _, e := range ctx.Edges {
		header.Edges = append(header.Edges, EdgeMeta{
			Src:   fmt.Sprintf("%x", e.Src),
			Dst:   fmt.Sprintf("%x", e.Dst),
			State: e.State,
		})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	var lenBuf [headerLengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	if _, err := encoder.Write(lenBuf[:]); err != nil {
		encoder.Close()
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := encoder.Write(headerJSON); err != nil {
		encoder.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := encoder.Write(data.Bytes()); err != nil {
		encoder.Close()
		return fmt.Errorf("writing code bodies: %w", err)
	}

	return encoder.Close()
}

// Payload is the decoded form of a pack.
type Payload struct {
	Header Header
	// Code bodies keyed by node hex id.
	Current map[string]string
	Future  map[string]string
}

// Read decodes a zstd pack.
func Read(r io.Reader) (*Payload, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	decompressed, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	if len(decompressed) < headerLengthSize {
		return nil, fmt.Errorf("pack too small: %d bytes", len(decompressed))
	}

	headerLen := binary.BigEndian.Uint32(decompressed[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	if int(headerLengthSize+headerLen) > len(decompressed) {
		return nil, fmt.Errorf("header length exceeds pack size")
	}

	var header Header
	if err := json.Unmarshal(decompressed[headerLengthSize:headerLengthSize+headerLen], &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	data := decompressed[headerLengthSize+headerLen:]
	payload := &Payload{
		Header:  header,
		Current: make(map[string]string, len(header.Entries)),
		Future:  make(map[string]string, len(header.Entries)),
	}
	for _, meta := range header.Entries {
		if meta.CurrentOff+meta.CurrentLen > int64(len(data)) || meta.FutureOff+meta.FutureLen > int64(len(data)) {
			return nil, fmt.Errorf("entry %s exceeds data bounds", meta.ID)
		}
		payload.Current[meta.ID] = string(data[meta.CurrentOff : meta.CurrentOff+meta.CurrentLen])
		payload.Future[meta.ID] = string(data[meta.FutureOff : meta.FutureOff+meta.FutureLen])
	}

	return payload, nil
}
