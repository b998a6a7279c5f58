package render

import (
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/gosuda/datapr/internal/domain"
)

// datasetTemplate is the generated Terraform resource. Template range over
// the label map iterates keys in sorted order, so output is deterministic.
const datasetTemplate = `# Generated by datapr. Do not edit by hand.
# Request ID: {{ .RequestID }}

resource "google_bigquery_dataset" "{{ .DatasetName }}" {
  dataset_id    = "{{ .DatasetName }}"
  friendly_name = "{{ .DatasetName }}"
  location      = "{{ .Location }}"

  labels = {
{{- range $k, $v := .Labels }}
    "{{ $k }}" = "{{ $v }}"
{{- end }}
  }

  access {
    role          = "OWNER"
    user_by_email = "{{ .ServiceAccount }}"
  }
}
`

//nolint:gochecknoglobals // parsed once
var datasetTmpl = template.Must(template.New("dataset").Parse(datasetTemplate))

type datasetInput struct {
	RequestID      string
	DatasetName    string
	Location       string
	Labels         map[string]string
	ServiceAccount string
}

// Dataset renders the Terraform configuration for a dataset request. The
// dataset name is sanitized then validated; a name that still fails the
// identifier pattern is a non-retryable input error. Returns the sanitized
// name alongside the rendered content.
func Dataset(payload domain.RequestPayload, requestID string) (string, string, error) {
	name := domain.SanitizeDatasetName(payload.DatasetName)
	if err := domain.ValidateDatasetName(name); err != nil {
		return "", "", fmt.Errorf("render.Dataset: %w", err)
	}

	var b strings.Builder
	err := datasetTmpl.Execute(&b, datasetInput{
		RequestID:      requestID,
		DatasetName:    name,
		Location:       payload.Location,
		Labels:         payload.Labels,
		ServiceAccount: payload.ServiceAccount,
	})
	if err != nil {
		return "", "", fmt.Errorf("render.Dataset: execute template: %w", err)
	}

	return name, b.String(), nil
}

// RelativePath is the deterministic repository path for a dataset's file.
func RelativePath(baseDir, datasetName string) string {
	return path.Join(baseDir, datasetName+".tf")
}
