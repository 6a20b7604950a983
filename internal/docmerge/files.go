package docmerge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for files whose extension has no codec.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Format is a document serialization
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the codec from the file extension
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// Parse decodes data with the given codec
func Parse(format Format, data []byte) (*Node, error) {
	switch format {
	case FormatJSON:
		return ParseJSON(data)
	case FormatYAML:
		return ParseYAML(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Encode renders n with the given codec
func Encode(format Format, n *Node) ([]byte, error) {
	switch format {
	case FormatJSON:
		return EncodeJSON(n)
	case FormatYAML:
		return EncodeYAML(n)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// MergeFiles merges the local and server copies of a config file and returns the
// encoded result. When serverWins is set the server document is primary, otherwise
// the local one is. Both files use the format implied by serverPath.
func MergeFiles(localPath, serverPath string, serverWins bool) ([]byte, error) {
	format, err := FormatForPath(serverPath)
	if err != nil {
		return nil, err
	}

	localData, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read local file: %w", err)
	}
	serverData, err := os.ReadFile(serverPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server file: %w", err)
	}

	localDoc, err := Parse(format, localData)
	if err != nil {
		return nil, fmt.Errorf("local %s: %w", filepath.Base(localPath), err)
	}
	serverDoc, err := Parse(format, serverData)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", filepath.Base(serverPath), err)
	}

	primary, secondary := localDoc, serverDoc
	if serverWins {
		primary, secondary = serverDoc, localDoc
	}
	return Encode(format, Merge(primary, secondary))
}
