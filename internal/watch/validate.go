package watch

import (
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/bencode"
)

const maxMagnetSize = 16 * 1024

// validateTorrent decodes the file as bencode and checks the metainfo shape
// before the bytes ever reach the API.
func validateTorrent(filePath string) error {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read torrent file: %w", err)
	}

	var meta map[string]interface{}
	if err := bencode.DecodeBytes(raw, &meta); err != nil {
		return fmt.Errorf("invalid bencode in %s: %w", filePath, err)
	}

	info, ok := meta["info"]
	if !ok {
		return fmt.Errorf("torrent %s has no info dictionary", filePath)
	}

	if _, ok := info.(map[string]interface{}); !ok {
		return fmt.Errorf("torrent %s has a malformed info dictionary", filePath)
	}

	return nil
}

// readMagnet reads a .magnet file: a single magnet URI, surrounding
// whitespace ignored.
func readMagnet(filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat magnet file: %w", err)
	}

	if info.Size() > maxMagnetSize {
		return "", fmt.Errorf("magnet file %s is too large (%d bytes)", filePath, info.Size())
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read magnet file: %w", err)
	}

	magnet := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(magnet, "magnet:?") {
		return "", fmt.Errorf("file %s does not contain a magnet link", filePath)
	}

	return magnet, nil
}
