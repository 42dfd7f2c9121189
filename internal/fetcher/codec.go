package fetcher

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

func unmarshalDataset(b []byte) (*model.Dataset, error) {
	var ds model.Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return &ds, nil
}

// codec stores datasets as zstd-compressed JSON. EncodeAll and DecodeAll
// are safe for concurrent use.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(ds *model.Dataset) ([]byte, error) {
	b, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return c.enc.EncodeAll(b, make([]byte, 0, len(b)/4)), nil
}

func (c *codec) decode(b []byte) (*model.Dataset, error) {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return unmarshalDataset(raw)
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
