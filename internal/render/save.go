package render

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/easel/internal/model"
)

// maxPromptPrefix caps the prompt-derived part of saved file names.
const maxPromptPrefix = 50

var (
	filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9]`)
	idStripper     = strings.NewReplacer("+", "", "/", "", "=", "")
)

// SanitizeFilename replaces every character outside [a-zA-Z0-9] with "_".
func SanitizeFilename(s string) string {
	return filenameUnsafe.ReplaceAllString(s, "_")
}

// imageID derives a short id for the i-th image saved at now: the last 8
// characters of the base64 encoding of the big-endian unix timestamp
// (offset by i), with "+", "/" and "=" removed.
func imageID(now time.Time, i int) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(now.Unix()+int64(i)))
	id := idStripper.Replace(base64.StdEncoding.EncodeToString(b[:]))
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return id
}

// saveImages writes every image to dir together with a YAML metadata
// sidecar. Filtered images only get a sidecar when they replace the
// originals. An empty dir disables saving.
func saveImages(enc Encoder, images []ImageRecord, dir string, meta model.ImageMetadata, showOnlyFiltered bool, now time.Time) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	prefix := SanitizeFilename(meta.Prompt)
	if len(prefix) > maxPromptPrefix {
		prefix = prefix[:maxPromptPrefix]
	}

	for i, rec := range images {
		base := filepath.Join(dir, prefix+"_"+imageID(now, i))

		if !rec.Filtered || showOnlyFiltered {
			m := meta
			m.Seed = rec.Seed
			data, err := yaml.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			if err := os.WriteFile(base+".txt", data, 0o644); err != nil {
				return fmt.Errorf("write metadata: %w", err)
			}
		}

		path := base
		if rec.Filtered {
			path += "_filtered"
		}
		path += "." + meta.OutputFormat

		data, err := enc.Encode(rec.Image, meta.OutputFormat, meta.OutputQuality)
		if err != nil {
			return fmt.Errorf("encode image %d: %w", i, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
	}
	return nil
}
