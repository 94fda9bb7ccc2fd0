// Package deploy applies the desired service state to the remote host over
// an SSH channel: render descriptor, write, pull, recreate, prune.
package deploy

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
)

// DescriptorParams are the inputs to descriptor rendering. Environment
// variables are emitted in sorted key order so the rendered document is
// byte-for-byte reproducible for identical params.
type DescriptorParams struct {
	Service       string
	Image         string
	ContainerName string
	RestartPolicy string // defaults to "always"
	Ports         []string
	Env           map[string]string
}

// descriptorTemplate is the compose service document written to the remote
// host on every run (desired state, overwritten, never diffed).
const descriptorTemplate = `services:
  {{ .Service }}:
    image: {{ .Image }}
{{- if .ContainerName }}
    container_name: {{ .ContainerName }}
{{- end }}
    restart: {{ .RestartPolicy }}
{{- if .Ports }}
    ports:
{{- range .Ports }}
      - "{{ . }}"
{{- end }}
{{- end }}
{{- if .EnvLines }}
    environment:
{{- range .EnvLines }}
      - {{ . }}
{{- end }}
{{- end }}
`

type descriptorData struct {
	Service       string
	Image         string
	ContainerName string
	RestartPolicy string
	Ports         []string
	EnvLines      []string
}

var descriptorTpl = template.Must(template.New("descriptor").Option("missingkey=error").Parse(descriptorTemplate))

// RenderDescriptor renders the deployment descriptor. It is a pure function:
// identical params always yield identical output text.
func RenderDescriptor(params DescriptorParams) (string, error) {
	if params.Service == "" {
		return "", pipeerrors.NewConfigError("descriptor requires a service name", nil)
	}
	if params.Image == "" {
		return "", pipeerrors.NewConfigError("descriptor requires an image reference", nil)
	}

	data := descriptorData{
		Service:       params.Service,
		Image:         params.Image,
		ContainerName: params.ContainerName,
		RestartPolicy: params.RestartPolicy,
		Ports:         params.Ports,
	}
	if data.RestartPolicy == "" {
		data.RestartPolicy = "always"
	}

	keys := make([]string, 0, len(params.Env))
	for k := range params.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data.EnvLines = append(data.EnvLines, fmt.Sprintf("%s=%s", k, params.Env[k]))
	}

	var buf bytes.Buffer
	if err := descriptorTpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render descriptor: %w", err)
	}
	return buf.String(), nil
}
