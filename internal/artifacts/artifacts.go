// Package artifacts embeds files shipped with the binary.
package artifacts

import _ "embed"

// DefaultSettings is the annotated settings.yaml written into a fresh
// config directory.
//
//go:embed global/settings.yaml
var DefaultSettings []byte
