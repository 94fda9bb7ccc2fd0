package config

import (
	"fmt"
	"os"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
)

// StarterConfig is written by `shipyard init` as a working starting point.
const StarterConfig = `pipeline:
  name: exchange-rate
  trigger:
    events: [push]
    branch: main

stages:
  - name: test
    steps:
      - name: unit tests
        run: make test
        timeout: 10m

  - name: build
    kind: build
    needs: [test]

  - name: deploy
    kind: deploy
    needs: [build]
    when:
      branch: main

image:
  registry: registry.example.com
  repository: exchange-rate

deploy:
  service: exchange-rate
  ports:
    - "80:5000"
  env:
    FLASK_ENV: production
`

// WriteStarter writes the starter configuration to path. Unless force is
// set, an existing file is left untouched and an error is returned.
func WriteStarter(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return pipeerrors.NewConfigError(fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
		}
	}
	if err := os.WriteFile(path, []byte(StarterConfig), 0o644); err != nil {
		return pipeerrors.NewConfigError(fmt.Sprintf("write %s", path), err)
	}
	return nil
}
