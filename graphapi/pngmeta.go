package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// ComfyUI stores the API-format workflow of a generated image under this tEXt keyword
const pngPromptKeyword = "prompt"

// maxTextChunk bounds a single tEXt chunk read into memory
const maxTextChunk = 64 << 20

// PngTextChunks returns the tEXt chunks of a PNG stream keyed by keyword
func PngTextChunks(r io.Reader) (map[string]string, error) {
	header := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	chunks := make(map[string]string)
	for {
		var length uint32
		err := binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		if _, err := io.ReadFull(r, chunkType); err != nil {
			return nil, err
		}

		switch string(chunkType) {
		case "tEXt":
			if length > maxTextChunk {
				return nil, fmt.Errorf("tEXt chunk of %d bytes", length)
			}
			data := make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			keyword, text, ok := bytes.Cut(data, []byte{0})
			if !ok {
				return nil, errors.New("malformed tEXt chunk")
			}
			chunks[string(keyword)] = string(text)
		default:
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, err
			}
		}

		// CRC
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return nil, err
		}
		if string(chunkType) == "IEND" {
			break
		}
	}
	return chunks, nil
}

// NewTemplateFromPngReader decodes the workflow ComfyUI embedded in a generated PNG
func NewTemplateFromPngReader(r io.Reader) (*Template, error) {
	chunks, err := PngTextChunks(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateDecode, err)
	}
	text, ok := chunks[pngPromptKeyword]
	if !ok {
		return nil, fmt.Errorf("%w: png has no embedded workflow", ErrTemplateDecode)
	}
	return NewTemplateFromJsonReader(strings.NewReader(text))
}

// NewTemplateFromPngFile is NewTemplateFromPngReader on a file
func NewTemplateFromPngFile(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	return NewTemplateFromPngReader(f)
}
