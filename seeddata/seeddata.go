package seeddata

import _ "embed"

//go:embed catalog.yaml
var CatalogYAML []byte
