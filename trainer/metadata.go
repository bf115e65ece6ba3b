package trainer

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// MetadataFile is the name of the sidecar written next to checkpoints.
const MetadataFile = "metadata.json"

// RunMetadata describes the checkpoint saved by a training run. It is what
// the publish command reads to fill in the model card.
type RunMetadata struct {
	Architecture string  `json:"architecture"`
	NumClasses   int     `json:"num_classes,omitempty"`
	Epoch        int     `json:"epoch"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// runMetadata builds the sidecar for a new best epoch.
func (c Config) runMetadata(epoch int, bestAccuracy float64) RunMetadata {
	return RunMetadata{
		Architecture: c.Architecture,
		NumClasses:   c.NumClasses,
		Epoch:        epoch,
		BestAccuracy: bestAccuracy,
	}
}

// Save writes the metadata as JSON to path.
func (m RunMetadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding run metadata")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "writing run metadata to %q", path)
	}
	return nil
}

// LoadMetadata reads a metadata sidecar written by Save.
func LoadMetadata(path string) (RunMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunMetadata{}, errors.Wrapf(err, "reading run metadata from %q", path)
	}
	var m RunMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return RunMetadata{}, errors.Wrapf(err, "decoding run metadata from %q", path)
	}
	return m, nil
}
