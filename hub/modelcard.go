package hub

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// CardData fills in the README.md model card.
type CardData struct {
	RepoID       string
	Architecture string
	Dataset      string
	NumClasses   int
	Epoch        int
	BestAccuracy float64
}

var cardTemplate = template.Must(template.New("modelcard").Parse(`---
library_name: gomlx
tags:
- image-classification
- {{.Architecture}}
datasets:
- {{.Dataset}}
metrics:
- accuracy
---

# {{.RepoID}}

{{.Architecture}} image classifier trained on {{.Dataset}}
({{.NumClasses}} classes).

## Results

| Metric | Value |
|--------|-------|
| Best eval accuracy | {{printf "%.2f" .BestAccuracy}}% |
| Best epoch | {{.Epoch}} |

## Files

The checkpoint directory holds the gomlx context variables and a
` + "`metadata.json`" + ` sidecar describing the run.
`))

// ModelCard renders the README.md for a published model.
func ModelCard(data CardData) (string, error) {
	if data.Dataset == "" {
		data.Dataset = "imagenet-1k"
	}
	var b strings.Builder
	if err := cardTemplate.Execute(&b, data); err != nil {
		return "", errors.Wrap(err, "rendering model card")
	}
	return b.String(), nil
}
