package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/quantlake/lakeaudit/internal/dataset"
	"github.com/quantlake/lakeaudit/internal/partition"
)

// zstd frame magic, little-endian.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Decoder decompresses vendor payloads. Vendors ship daily files either
// plain or zstd-compressed; the frame magic decides which.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a payload decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Decode returns the decompressed payload. Uncompressed payloads pass
// through unchanged.
func (d *Decoder) Decode(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := d.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// PayloadDownloader adapts a RawFetcher into a Downloader: it decompresses
// the payload, enforces the dataset's minimum viable size, and counts rows.
type PayloadDownloader struct {
	fetcher RawFetcher
	decoder *Decoder
	catalog *dataset.Catalog
}

// NewPayloadDownloader wires a raw fetcher to the decoder and catalog.
func NewPayloadDownloader(fetcher RawFetcher, decoder *Decoder, catalog *dataset.Catalog) *PayloadDownloader {
	return &PayloadDownloader{fetcher: fetcher, decoder: decoder, catalog: catalog}
}

// Fetch downloads and sizes one partition. An absent vendor listing surfaces
// as ErrNoData; a payload smaller than the dataset's minimum as ErrEmptyData.
func (p *PayloadDownloader) Fetch(ctx context.Context, key partition.Key) (int64, error) {
	cfg, err := p.catalog.Get(key.Dataset)
	if err != nil {
		return 0, err
	}

	raw, err := p.fetcher.FetchRaw(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, ErrNoData
	}

	payload, err := p.decoder.Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("decode payload for %s: %w", key, err)
	}
	if int64(len(payload)) < cfg.MinPayloadBytes {
		return 0, fmt.Errorf("%w: %d bytes, need %d", ErrEmptyData, len(payload), cfg.MinPayloadBytes)
	}

	return countRows(payload), nil
}

// countRows counts data rows in a CSV payload, excluding the header line.
func countRows(payload []byte) int64 {
	n := int64(bytes.Count(payload, []byte{'\n'}))
	if n > 0 && payload[len(payload)-1] != '\n' {
		n++
	}
	if n > 0 {
		n-- // header
	}
	return n
}
